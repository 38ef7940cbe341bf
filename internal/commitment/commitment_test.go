package commitment

import (
	"testing"
)

const (
	testMethod = "GET"
	testURL    = "http://localhost:4000/fail"
	testHeader = "eyJ4NDAyVmVyc2lvbiI6MX0="
)

func TestCompute_Deterministic(t *testing.T) {
	c1 := Compute(testMethod, testURL, testHeader, DefaultWindow)
	c2 := Compute(testMethod, testURL, testHeader, DefaultWindow)
	if c1 != c2 {
		t.Fatal("Compute is not deterministic")
	}
}

// TestCompute_SingleCharChange flips one character in each field in turn.
func TestCompute_SingleCharChange(t *testing.T) {
	base := Compute(testMethod, testURL, testHeader, DefaultWindow)
	cases := []struct {
		name                        string
		method, url, header, window string
	}{
		{"method", "GET ", testURL, testHeader, DefaultWindow},
		{"url", testMethod, "http://localhost:4000/faiL", testHeader, DefaultWindow},
		{"header", testMethod, testURL, testHeader[:len(testHeader)-1] + "A", DefaultWindow},
		{"window", testMethod, testURL, testHeader, "61"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if Compute(tc.method, tc.url, tc.header, tc.window) == base {
				t.Errorf("changing %s did not change the commitment", tc.name)
			}
		})
	}
}

// TestCompute_NoBoundaryAmbiguity checks that moving characters across a field
// boundary changes the digest, which naive concatenation would not.
func TestCompute_NoBoundaryAmbiguity(t *testing.T) {
	a := Compute("GET", "http://x/ab", "c", "60")
	b := Compute("GET", "http://x/a", "bc", "60")
	if a == b {
		t.Fatal("field boundary shift produced the same commitment")
	}
	c := Compute("GE", "Thttp://x/ab", "c", "60")
	if a == c {
		t.Fatal("field boundary shift between method and url produced the same commitment")
	}
}

func TestCompute_NotZero(t *testing.T) {
	var zero [32]byte
	if Compute("", "", "", "") == zero {
		t.Fatal("commitment of empty fields should not be all zeros")
	}
}

func TestHexParse_RoundTrip(t *testing.T) {
	c := Compute(testMethod, testURL, testHeader, DefaultWindow)
	got, err := Parse(Hex(c))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got != c {
		t.Fatal("Parse(Hex(c)) != c")
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, s := range []string{"", "0x", "0x1234", "not-hex"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) should fail", s)
		}
	}
}

func TestShortID(t *testing.T) {
	c := Compute(testMethod, testURL, testHeader, DefaultWindow)
	id := ShortID(c)
	if len(id) != 10 {
		t.Fatalf("ShortID length: got %d want 10", len(id))
	}
	if Hex(c)[2:12] != id {
		t.Fatal("ShortID must be the first 10 hex characters after 0x")
	}
}
