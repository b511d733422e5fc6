package model

import "testing"

func TestIssueStatusRoundTrip(t *testing.T) {
	for _, s := range []IssueStatus{IssueStatusOpen, IssueStatusAssigned, IssueStatusCompleted} {
		got, err := ParseIssueStatus(s.String())
		if err != nil {
			t.Fatalf("ParseIssueStatus(%q) error: %v", s.String(), err)
		}
		if got != s {
			t.Fatalf("ParseIssueStatus(%q) = %v, want %v", s.String(), got, s)
		}
	}
}

func TestSponsorshipStatusRoundTrip(t *testing.T) {
	for _, s := range []SponsorshipStatus{SponsorshipStatusPledged, SponsorshipStatusConfirmed} {
		got, err := ParseSponsorshipStatus(s.String())
		if err != nil || got != s {
			t.Fatalf("ParseSponsorshipStatus(%q) = %v, %v", s.String(), got, err)
		}
	}
}

func TestPaymentStatusRoundTrip(t *testing.T) {
	for _, s := range []PaymentStatus{PaymentStatusCreated, PaymentStatusConfirmed} {
		got, err := ParsePaymentStatus(s.String())
		if err != nil || got != s {
			t.Fatalf("ParsePaymentStatus(%q) = %v, %v", s.String(), got, err)
		}
	}
}

func TestGatewayRoundTrip(t *testing.T) {
	for _, g := range Gateways() {
		got, err := ParseGateway(g.String())
		if err != nil || got != g {
			t.Fatalf("ParseGateway(%q) = %v, %v", g.String(), got, err)
		}
	}
}

func TestParseRejectsUnknown(t *testing.T) {
	inputs := []string{"", "open", "Assigned", "DONE", " PLEDGED", "CONFIRMED "}

	for _, in := range inputs {
		if _, err := ParseIssueStatus(in); err == nil {
			t.Errorf("ParseIssueStatus(%q) expected error", in)
		}
		if _, err := ParseSponsorshipStatus(in); err == nil {
			t.Errorf("ParseSponsorshipStatus(%q) expected error", in)
		}
		if _, err := ParsePaymentStatus(in); err == nil {
			t.Errorf("ParsePaymentStatus(%q) expected error", in)
		}
		if _, err := ParseGateway(in); err == nil {
			t.Errorf("ParseGateway(%q) expected error", in)
		}
	}
}

func TestClampAmount(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{in: -10, want: 0},
		{in: 0, want: 0},
		{in: 50, want: 50},
	}

	for _, tt := range tests {
		if got := ClampAmount(tt.in); got != tt.want {
			t.Fatalf("ClampAmount(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
