package dto

import "time"

type CreateDealRequest struct {
	DealType          string     `json:"deal_type"` // listing / campaign
	ListingID         *string    `json:"listing_id,omitempty"`
	CampaignID        *string    `json:"campaign_id,omitempty"`
	ChannelID         int64      `json:"channel_id"`
	ChannelOwnerID    int64      `json:"channel_owner_id"`
	AdFormat          string     `json:"ad_format"` // post / repost / story
	PriceTON          string     `json:"price_ton"`
	Brief             string     `json:"brief"`
	ScheduledPostTime *time.Time `json:"scheduled_post_time,omitempty"`
}

type MessageRequest struct {
	Text string `json:"text"`
}

type DeclineRequest struct {
	Reason string `json:"reason"`
}

type SetWalletRequest struct {
	Address string `json:"address"`
}

type SubmitCreativeRequest struct {
	Text          string   `json:"text"`
	MediaURLs     []string `json:"media_urls,omitempty"`
	RepostFromURL *string  `json:"repost_from_url,omitempty"`
}

type RequestRevisionRequest struct {
	Notes string `json:"notes"`
}
