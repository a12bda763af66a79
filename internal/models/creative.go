package models

import (
	"time"

	"github.com/google/uuid"
)

// Creative statuses
const (
	CreativeStatusDraft         = "draft"
	CreativeStatusSubmitted     = "submitted"
	CreativeStatusApproved      = "approved"
	CreativeStatusNeedsRevision = "needs_revision"
)

// Creative is a channel owner's submission for advertiser approval.
// A new submission after a revision request creates a new row; the latest
// row by version is authoritative.
type Creative struct {
	ID            uuid.UUID `json:"id"`
	DealID        uuid.UUID `json:"deal_id"`
	Version       int       `json:"version"`
	Text          string    `json:"text"`
	MediaURLs     []string  `json:"media_urls,omitempty"`
	RepostFromURL *string   `json:"repost_from_url,omitempty"`
	Status        string    `json:"status"`
	RevisionNotes *string   `json:"revision_notes,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// DealMessage is one entry of the append-only negotiation thread.
// The first message for a deal doubles as its brief.
type DealMessage struct {
	ID        uuid.UUID `json:"id"`
	DealID    uuid.UUID `json:"deal_id"`
	SenderID  int64     `json:"sender_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}
