// Package receipt writes the client's local evidence files.
package receipt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/0gfoundation/x402-guard/internal/commitment"
)

// Refund is the content of refund-<id>.json.
type Refund struct {
	Timestamp         time.Time `json:"timestamp"`
	RequestCommitment string    `json:"requestCommitment"`
	Amount            string    `json:"amount"`
	Signature         string    `json:"signature"`
	TxHash            string    `json:"txHash,omitempty"`
}

// Insurance is the content of insurance-<id>.json.
type Insurance struct {
	Timestamp         time.Time `json:"timestamp"`
	RequestCommitment string    `json:"requestCommitment"`
	PaymentAmount     string    `json:"paymentAmount"`
	InsuranceFee      string    `json:"insuranceFee"`
	Provider          string    `json:"provider"`
	TimeoutMinutes    int64     `json:"timeoutMinutes"`
}

// SaveRefund writes r to dir and returns the file path.
func SaveRefund(dir string, r *Refund) (string, error) {
	return save(dir, "refund", r.RequestCommitment, r)
}

// SaveInsurance writes in to dir and returns the file path.
func SaveInsurance(dir string, in *Insurance) (string, error) {
	return save(dir, "insurance", in.RequestCommitment, in)
}

func save(dir, kind, commitmentHex string, v any) (string, error) {
	c, err := commitment.Parse(commitmentHex)
	if err != nil {
		return "", fmt.Errorf("%s receipt: %w", kind, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.json", kind, commitment.ShortID(c)))
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", fmt.Errorf("write %s receipt: %w", kind, err)
	}
	return path, nil
}

// MarkClaimed records the redeeming transaction in an existing refund receipt.
func MarkClaimed(path, txHash string) error {
	r, err := LoadRefund(path)
	if err != nil {
		return err
	}
	r.TxHash = txHash
	_, err = SaveRefund(filepath.Dir(path), r)
	return err
}

// LoadRefund reads a refund receipt back.
func LoadRefund(path string) (*Refund, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Refund
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &r, nil
}
