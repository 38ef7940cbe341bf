package receipt

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/0gfoundation/x402-guard/internal/commitment"
)

func TestSaveRefund(t *testing.T) {
	dir := t.TempDir()
	c := commitment.Compute("GET", "http://localhost:4000/fail", "hdr", "60")
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	path, err := SaveRefund(dir, &Refund{
		Timestamp:         ts,
		RequestCommitment: commitment.Hex(c),
		Amount:            "10000",
		Signature:         "0xabcd",
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "refund-"+commitment.Hex(c)[2:12]+".json"); path != want {
		t.Errorf("path %s, want %s", path, want)
	}

	raw, _ := os.ReadFile(path)
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"timestamp", "requestCommitment", "amount", "signature"} {
		if _, ok := m[k]; !ok {
			t.Errorf("missing key %s", k)
		}
	}
	if _, ok := m["txHash"]; ok {
		t.Error("txHash should be omitted when empty")
	}

	back, err := LoadRefund(path)
	if err != nil || back.Amount != "10000" || !back.Timestamp.Equal(ts) {
		t.Errorf("load: %+v %v", back, err)
	}
}

func TestSaveInsurance(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	c := [32]byte{0xab, 0xcd}
	path, err := SaveInsurance(dir, &Insurance{
		Timestamp:         time.Now(),
		RequestCommitment: commitment.Hex(c),
		PaymentAmount:     "10000",
		InsuranceFee:      "100",
		Provider:          "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		TimeoutMinutes:    1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "insurance-abcd000000.json" {
		t.Errorf("file %s", filepath.Base(path))
	}
}

func TestSave_BadCommitment(t *testing.T) {
	if _, err := SaveRefund(t.TempDir(), &Refund{RequestCommitment: "0x12"}); err == nil {
		t.Fatal("expected error for malformed commitment")
	}
}

func TestMarkClaimed(t *testing.T) {
	dir := t.TempDir()
	c := commitment.Compute("GET", "http://localhost:4000/fail", "hdr", "60")
	path, err := SaveRefund(dir, &Refund{
		Timestamp:         time.Now().UTC(),
		RequestCommitment: commitment.Hex(c),
		Amount:            "10000",
		Signature:         "0xabcd",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := MarkClaimed(path, "0xfeed"); err != nil {
		t.Fatal(err)
	}
	back, err := LoadRefund(path)
	if err != nil {
		t.Fatal(err)
	}
	if back.TxHash != "0xfeed" || back.Amount != "10000" {
		t.Errorf("after claim: %+v", back)
	}

	if err := MarkClaimed(filepath.Join(dir, "missing.json"), "0x1"); err == nil {
		t.Error("expected error for missing receipt")
	}
}
