package models

import (
	"testing"
	"time"
)

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from     string
		to       string
		expected bool
	}{
		// Happy path
		{DealStatusPending, DealStatusPaymentPending, true},
		{DealStatusNegotiating, DealStatusPaymentPending, true},
		{DealStatusPaymentPending, DealStatusPaid, true},
		{DealStatusPaymentPending, DealStatusScheduled, true},
		{DealStatusPaid, DealStatusCreativeSubmitted, true},
		{DealStatusCreativeSubmitted, DealStatusCreativeApproved, true},
		{DealStatusCreativeApproved, DealStatusPosted, true},
		{DealStatusPaid, DealStatusPosted, true},
		{DealStatusScheduled, DealStatusPosted, true},
		{DealStatusPosted, DealStatusVerified, true},
		{DealStatusVerified, DealStatusCompleted, true},

		// Documented backward edges
		{DealStatusPending, DealStatusNegotiating, true},
		{DealStatusCreativeSubmitted, DealStatusNegotiating, true},
		{DealStatusCreativeSubmitted, DealStatusPaid, true},
		{DealStatusNegotiating, DealStatusCreativeSubmitted, true},

		// Decline and refund paths
		{DealStatusPending, DealStatusDeclined, true},
		{DealStatusNegotiating, DealStatusDeclined, true},
		{DealStatusPaymentPending, DealStatusDeclined, true},
		{DealStatusPosted, DealStatusRefunded, true},

		// Invalid transitions
		{DealStatusPending, DealStatusPaid, false},
		{DealStatusPaymentPending, DealStatusPosted, false},
		{DealStatusPaid, DealStatusDeclined, false},
		{DealStatusPosted, DealStatusDeclined, false},
		{DealStatusVerified, DealStatusRefunded, false},
		{DealStatusCompleted, DealStatusRefunded, false},
		{DealStatusRefunded, DealStatusCompleted, false},
		{DealStatusDeclined, DealStatusPending, false},
		{DealStatusVerified, DealStatusPosted, false},
		{DealStatusNegotiating, DealStatusPending, false},
		{"nonexistent", DealStatusPending, false},
		{DealStatusPending, "nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			result := IsValidTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, result, tt.expected)
			}
		})
	}
}

func TestAllStatusesHaveTransitionEntry(t *testing.T) {
	allStatuses := []string{
		DealStatusPending, DealStatusNegotiating, DealStatusPaymentPending,
		DealStatusPaid, DealStatusCreativeSubmitted, DealStatusCreativeApproved,
		DealStatusScheduled, DealStatusPosted, DealStatusVerified,
		DealStatusCompleted, DealStatusDeclined, DealStatusRefunded,
	}

	for _, status := range allStatuses {
		if _, ok := ValidDealTransitions[status]; !ok {
			t.Errorf("status %q missing from ValidDealTransitions map", status)
		}
	}
}

func TestTerminalStatusesHaveNoTransitions(t *testing.T) {
	terminal := []string{DealStatusCompleted, DealStatusDeclined, DealStatusRefunded}
	for _, status := range terminal {
		if !IsTerminal(status) {
			t.Errorf("status %q should be terminal, allows %v", status, ValidDealTransitions[status])
		}
	}
	if IsTerminal(DealStatusVerified) {
		t.Error("verified must not be terminal")
	}
}

func TestPaidTarget(t *testing.T) {
	d := &Deal{Status: DealStatusPaymentPending}
	if got := d.PaidTarget(); got != DealStatusPaid {
		t.Errorf("PaidTarget without schedule = %q, want paid", got)
	}
	at := time.Now().Add(time.Hour)
	d.ScheduledPostTime = &at
	if got := d.PaidTarget(); got != DealStatusScheduled {
		t.Errorf("PaidTarget with schedule = %q, want scheduled", got)
	}
}
