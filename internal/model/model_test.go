package model

import "testing"

func TestNormalizeSymbol(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"btcusdt", "BTCUSDT"},
		{"  EthUsdt \n", "ETHUSDT"},
		{"1000SHIBUSDT", "1000SHIBUSDT"},
	}
	for _, tc := range cases {
		if got := NormalizeSymbol(tc.in); got != tc.want {
			t.Fatalf("NormalizeSymbol(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseTier(t *testing.T) {
	cases := []struct {
		in   string
		want Tier
	}{
		{"high", TierHigh},
		{" Ultra ", TierUltra},
		{"low", TierNone},
		{"", TierNone},
	}
	for _, tc := range cases {
		if got := ParseTier(tc.in); got != tc.want {
			t.Fatalf("ParseTier(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
