package validation

import "testing"

func TestIsAcceptedCard(t *testing.T) {
	tests := []struct {
		name     string
		number   string
		accepted bool
	}{
		{name: "test card", number: TestCardNumber, accepted: true},
		{name: "other valid visa", number: "4539578763621486", accepted: false},
		{name: "leading space", number: " 4111111111111111", accepted: false},
		{name: "separated by dashes", number: "4111-1111-1111-1111", accepted: false},
		{name: "empty", number: "", accepted: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAcceptedCard(tt.number); got != tt.accepted {
				t.Fatalf("IsAcceptedCard(%q) = %v, want %v", tt.number, got, tt.accepted)
			}
		})
	}
}

func TestIsValidExpiry(t *testing.T) {
	tests := []struct {
		expiry string
		valid  bool
	}{
		{expiry: "12/25", valid: true},
		{expiry: "01/00", valid: true},
		{expiry: "09/99", valid: true},
		{expiry: "00/25", valid: false},
		{expiry: "13/25", valid: false},
		{expiry: "1/25", valid: false},
		{expiry: "12/2025", valid: false},
		{expiry: "12-25", valid: false},
		{expiry: "", valid: false},
		{expiry: "12/25 ", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.expiry, func(t *testing.T) {
			if got := IsValidExpiry(tt.expiry); got != tt.valid {
				t.Fatalf("IsValidExpiry(%q) = %v, want %v", tt.expiry, got, tt.valid)
			}
		})
	}
}
