package ton

import (
	"math/big"
	"testing"
)

func TestParseTON(t *testing.T) {
	tests := []struct {
		input    string
		expected string // nanoTON
		wantErr  bool
	}{
		{"1", "1000000000", false},
		{"0.5", "500000000", false},
		{"5.5", "5500000000", false},
		{"0.000000001", "1", false},
		{"  2.25 ", "2250000000", false},
		{"123456789.987654321", "123456789987654321", false},
		// extra precision beyond nano is truncated
		{"1.0000000019", "1000000001", false},
		{"0", "0", false},
		{"", "", true},
		{"1.2.3", "", true},
		{"abc", "", true},
		{"-1", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseTON(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseTON(%q) expected error, got %s", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTON(%q) unexpected error: %v", tt.input, err)
			}
			if got.String() != tt.expected {
				t.Errorf("ParseTON(%q) = %s, want %s", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFormatNano(t *testing.T) {
	tests := []struct {
		nano     string
		expected string
	}{
		{"1000000000", "1"},
		{"500000000", "0.5"},
		{"5500000000", "5.5"},
		{"1", "0.000000001"},
		{"0", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			n, _ := new(big.Int).SetString(tt.nano, 10)
			if got := FormatNano(n); got != tt.expected {
				t.Errorf("FormatNano(%s) = %q, want %q", tt.nano, got, tt.expected)
			}
		})
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"1", "0.5", "42.123456789", "0.000000001"} {
		n, err := ParseTON(s)
		if err != nil {
			t.Fatalf("ParseTON(%q): %v", s, err)
		}
		if got := FormatNano(n); got != s {
			t.Errorf("round trip %q -> %q", s, got)
		}
	}
}

func TestSplitFee(t *testing.T) {
	amount := big.NewInt(1_000_000_000) // 1 TON
	net, fee := SplitFee(amount, 300)   // 3%
	if fee.Int64() != 30_000_000 {
		t.Errorf("fee = %d, want 30000000", fee.Int64())
	}
	if net.Int64() != 970_000_000 {
		t.Errorf("net = %d, want 970000000", net.Int64())
	}
	if new(big.Int).Add(net, fee).Cmp(amount) != 0 {
		t.Error("net + fee must equal amount")
	}

	// zero fee keeps the full amount
	net, fee = SplitFee(amount, 0)
	if fee.Sign() != 0 || net.Cmp(amount) != 0 {
		t.Errorf("zero bps: net=%s fee=%s", net, fee)
	}
}
