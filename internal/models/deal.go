package models

import (
	"time"

	"github.com/google/uuid"
)

// Deal statuses
const (
	DealStatusPending           = "pending"
	DealStatusNegotiating       = "negotiating"
	DealStatusPaymentPending    = "payment_pending"
	DealStatusPaid              = "paid"
	DealStatusCreativeSubmitted = "creative_submitted"
	DealStatusCreativeApproved  = "creative_approved"
	DealStatusScheduled         = "scheduled"
	DealStatusPosted            = "posted"
	DealStatusVerified          = "verified"
	DealStatusCompleted         = "completed"
	DealStatusDeclined          = "declined"
	DealStatusRefunded          = "refunded"
)

// Deal types
const (
	DealTypeListing  = "listing"
	DealTypeCampaign = "campaign"
)

// Ad formats
const (
	AdFormatPost   = "post"
	AdFormatRepost = "repost"
	AdFormatStory  = "story"
)

// Valid state transitions: from -> []to.
// The only backward edges are creative_submitted -> negotiating (revision
// requested), creative_submitted -> paid (approval when payment was already
// confirmed) and pending -> negotiating (owner feedback before accepting).
// negotiating -> creative_submitted covers resubmission after a revision
// request; callers additionally require the payment to be confirmed on
// that edge.
var ValidDealTransitions = map[string][]string{
	DealStatusPending:           {DealStatusNegotiating, DealStatusPaymentPending, DealStatusDeclined},
	DealStatusNegotiating:       {DealStatusPaymentPending, DealStatusCreativeSubmitted, DealStatusDeclined},
	DealStatusPaymentPending:    {DealStatusPaid, DealStatusScheduled, DealStatusDeclined},
	DealStatusPaid:              {DealStatusCreativeSubmitted, DealStatusPosted},
	DealStatusCreativeSubmitted: {DealStatusCreativeApproved, DealStatusPaid, DealStatusNegotiating},
	DealStatusCreativeApproved:  {DealStatusPosted},
	DealStatusScheduled:         {DealStatusPosted},
	DealStatusPosted:            {DealStatusVerified, DealStatusRefunded},
	DealStatusVerified:          {DealStatusCompleted},
	DealStatusCompleted:         {},
	DealStatusDeclined:          {},
	DealStatusRefunded:          {},
}

func IsValidTransition(from, to string) bool {
	allowed, ok := ValidDealTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

func IsValidAdFormat(f string) bool {
	return f == AdFormatPost || f == AdFormatRepost || f == AdFormatStory
}

// IsTerminal reports whether no further transition is possible.
func IsTerminal(status string) bool {
	return len(ValidDealTransitions[status]) == 0
}

type Deal struct {
	ID             uuid.UUID  `json:"id"`
	DealType       string     `json:"deal_type"` // listing / campaign
	ListingID      *uuid.UUID `json:"listing_id,omitempty"`
	CampaignID     *uuid.UUID `json:"campaign_id,omitempty"`
	ChannelID      int64      `json:"channel_id"`
	ChannelOwnerID int64      `json:"channel_owner_id"`
	AdvertiserID   int64      `json:"advertiser_id"`
	Status         string     `json:"status"`
	AdFormat       string     `json:"ad_format"` // post / repost / story
	PriceTON       string     `json:"price_ton"` // decimal string; nanoTON at the settlement boundary
	PlatformFeeBPS int        `json:"platform_fee_bps"`

	// Settlement
	EscrowAddress      *string    `json:"escrow_address,omitempty"`
	OwnerWalletAddress *string    `json:"owner_wallet_address,omitempty"`
	PaymentTxHash      *string    `json:"payment_tx_hash,omitempty"`
	PaymentConfirmedAt *time.Time `json:"payment_confirmed_at,omitempty"`

	// Publication
	ScheduledPostTime     *time.Time `json:"scheduled_post_time,omitempty"`
	ActualPostTime        *time.Time `json:"actual_post_time,omitempty"`
	PostMessageRef        *string    `json:"post_message_ref,omitempty"`
	PostVerificationUntil *time.Time `json:"post_verification_until,omitempty"`
	FirstPublicationTime  *time.Time `json:"first_publication_time,omitempty"`
	MinPublicationDays    int        `json:"min_publication_days"`

	VerifiedAt    *time.Time `json:"verified_at,omitempty"`
	DeclineReason *string    `json:"decline_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// PaymentConfirmed reports whether the escrow deposit was already
// detected and recorded for this deal.
func (d *Deal) PaymentConfirmed() bool {
	return d.PaymentConfirmedAt != nil
}

// PaidTarget returns the status a confirmed payment moves the deal into:
// scheduled when a post time was agreed at creation, paid otherwise.
func (d *Deal) PaidTarget() string {
	if d.ScheduledPostTime != nil {
		return DealStatusScheduled
	}
	return DealStatusPaid
}
