package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/miner-sl/ad-marketplace-sub000/internal/config"
	"github.com/miner-sl/ad-marketplace-sub000/internal/domain"
	"github.com/miner-sl/ad-marketplace-sub000/internal/events"
	"github.com/miner-sl/ad-marketplace-sub000/internal/lock"
	"github.com/miner-sl/ad-marketplace-sub000/internal/models"
	"github.com/miner-sl/ad-marketplace-sub000/internal/repositories"
	"github.com/miner-sl/ad-marketplace-sub000/internal/ton"
	"go.uber.org/zap"
)

// Lock operation names. One lease per (deal, operation); held only
// around the external call and the conditional write that records it.
const (
	opGenerateEscrow = "generate_escrow_address"
	opConfirmPayment = "confirm_payment"
	opPublish        = "publish"
	opReleaseFunds   = "release_funds"
	opRefund         = "refund"
)

type DealStore interface {
	Create(ctx context.Context, d *models.Deal) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Deal, error)
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Deal, error)
	UpdateStatusIf(ctx context.Context, q repositories.Querier, id uuid.UUID, to string, from ...string) (bool, error)
	DeclineIf(ctx context.Context, q repositories.Querier, id uuid.UUID, reason string, from ...string) (bool, error)
	SetEscrowAddressIfEmpty(ctx context.Context, q repositories.Querier, id uuid.UUID, address string) (bool, error)
	SetOwnerWallet(ctx context.Context, q repositories.Querier, id uuid.UUID, address string) error
	ConfirmPaymentIf(ctx context.Context, q repositories.Querier, id uuid.UUID, to, txHash string) (bool, error)
	MarkPostedIf(ctx context.Context, q repositories.Querier, id uuid.UUID, postRef string, postedAt, verifyUntil time.Time, from ...string) (bool, error)
	MarkVerifiedIf(ctx context.Context, q repositories.Querier, id uuid.UUID) (bool, error)
	List(ctx context.Context, f repositories.DealFilter) ([]models.Deal, error)
}

type CreativeStore interface {
	Create(ctx context.Context, c *models.Creative) error
	GetLatest(ctx context.Context, dealID uuid.UUID) (*models.Creative, error)
	SetStatus(ctx context.Context, id uuid.UUID, status string, revisionNotes *string) error
}

type MessageStore interface {
	Append(ctx context.Context, m *models.DealMessage) error
	ListByDeal(ctx context.Context, dealID uuid.UUID, limit, offset int) ([]models.DealMessage, error)
}

type EscrowStore interface {
	InsertWallet(ctx context.Context, w *models.EscrowWallet) (bool, error)
	GetWalletByDealID(ctx context.Context, dealID uuid.UUID) (*models.EscrowWallet, error)
	AddLedgerEntry(ctx context.Context, e *models.LedgerEntry) error
	SetLedgerStatus(ctx context.Context, id uuid.UUID, status string, txHash *string) error
	HasLedgerEntry(ctx context.Context, dealID uuid.UUID, entryType string) (bool, error)
	ListLedgerByDeal(ctx context.Context, dealID uuid.UUID) ([]models.LedgerEntry, error)
}

type AuditStore interface {
	Log(ctx context.Context, entry models.AuditLog) error
}

type SettlementGateway interface {
	GenerateWallet(ctx context.Context) (*ton.GeneratedWallet, error)
	CheckPayment(ctx context.Context, addr string, expectedNano *big.Int, window time.Duration) (*ton.PaymentResult, error)
	GetBalance(ctx context.Context, addr string) (*big.Int, error)
	Transfer(ctx context.Context, encryptedSeed, toAddr string, amountNano *big.Int, memo string) (string, error)
	IsValidAddress(s string) bool
}

type Platform interface {
	CheckAdmin(ctx context.Context, channelID, userID int64) (*CheckAdminResult, error)
	Publish(ctx context.Context, req PublishRequest) (*PublishResult, error)
	PostExists(ctx context.Context, channelID int64, messageRef string) (*PostExistsResult, error)
}

type Lease interface {
	Release(ctx context.Context)
}

type Locker interface {
	AcquireWait(ctx context.Context, key string, ttl, maxWait time.Duration) (Lease, error)
}

// redisLocker adapts the concrete redis locker to the Locker interface.
type redisLocker struct {
	inner *lock.Locker
}

func NewRedisLocker(l *lock.Locker) Locker {
	return redisLocker{inner: l}
}

func (r redisLocker) AcquireWait(ctx context.Context, key string, ttl, maxWait time.Duration) (Lease, error) {
	lease, err := r.inner.AcquireWait(ctx, key, ttl, maxWait)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

type NotifySink interface {
	Notify(ctx context.Context, eventType string, recipientID int64, payload map[string]any)
	Broadcast(ctx context.Context, eventType string, payload map[string]any)
}

// DealService is the single authoritative orchestrator for the deal
// lifecycle. Every transition follows the same discipline: acquire the
// operation lease where money is involved, re-read the row, re-validate
// the precondition, write the new state conditionally, and resolve a
// zero-row write as either "already applied by a concurrent caller"
// (return the current state) or a genuine precondition violation.
type DealService struct {
	deals     DealStore
	creatives CreativeStore
	messages  MessageStore
	escrow    EscrowStore
	audit     AuditStore
	gateway   SettlementGateway
	platform  Platform
	locks     Locker
	notify    NotifySink
	cfg       *config.Config
	log       *zap.Logger
}

func NewDealService(
	deals DealStore,
	creatives CreativeStore,
	messages MessageStore,
	escrow EscrowStore,
	audit AuditStore,
	gateway SettlementGateway,
	platform Platform,
	locks Locker,
	notify NotifySink,
	cfg *config.Config,
	log *zap.Logger,
) *DealService {
	return &DealService{
		deals:     deals,
		creatives: creatives,
		messages:  messages,
		escrow:    escrow,
		audit:     audit,
		gateway:   gateway,
		platform:  platform,
		locks:     locks,
		notify:    notify,
		cfg:       cfg,
		log:       log,
	}
}

type CreateDealInput struct {
	DealType          string
	ListingID         *uuid.UUID
	CampaignID        *uuid.UUID
	ChannelID         int64
	ChannelOwnerID    int64
	AdvertiserID      int64
	AdFormat          string
	PriceTON          string
	Brief             string
	ScheduledPostTime *time.Time
}

func (s *DealService) CreateDeal(ctx context.Context, in CreateDealInput) (*models.Deal, error) {
	if !models.IsValidAdFormat(in.AdFormat) {
		return nil, fmt.Errorf("invalid ad format %q, must be one of: post, repost, story", in.AdFormat)
	}
	if in.DealType != models.DealTypeListing && in.DealType != models.DealTypeCampaign {
		return nil, fmt.Errorf("invalid deal type %q", in.DealType)
	}
	if _, err := ton.ParseTON(in.PriceTON); err != nil {
		return nil, fmt.Errorf("invalid price: %w", err)
	}

	deal := &models.Deal{
		DealType:           in.DealType,
		ListingID:          in.ListingID,
		CampaignID:         in.CampaignID,
		ChannelID:          in.ChannelID,
		ChannelOwnerID:     in.ChannelOwnerID,
		AdvertiserID:       in.AdvertiserID,
		Status:             models.DealStatusPending,
		AdFormat:           in.AdFormat,
		PriceTON:           in.PriceTON,
		PlatformFeeBPS:     s.cfg.PlatformFeeBPS,
		ScheduledPostTime:  in.ScheduledPostTime,
		MinPublicationDays: s.cfg.MinPublicationDays,
	}
	if err := s.deals.Create(ctx, deal); err != nil {
		return nil, err
	}

	// The first thread message doubles as the brief.
	if in.Brief != "" {
		_ = s.messages.Append(ctx, &models.DealMessage{
			DealID:   deal.ID,
			SenderID: in.AdvertiserID,
			Text:     in.Brief,
		})
	}

	s.auditLog(ctx, &in.AdvertiserID, "user", "deal_created", deal.ID, map[string]any{
		"ad_format": in.AdFormat, "price_ton": in.PriceTON,
	})
	return deal, nil
}

// AddMessage appends to the negotiation thread. Either party may write;
// no status change.
func (s *DealService) AddMessage(ctx context.Context, dealID uuid.UUID, senderID int64, text string) (*models.DealMessage, error) {
	deal, err := s.deals.GetByID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if senderID != deal.AdvertiserID && senderID != deal.ChannelOwnerID {
		return nil, domain.ErrUnauthorized
	}
	if models.IsTerminal(deal.Status) {
		return nil, &domain.InvalidTransitionError{Current: deal.Status, Attempted: "message"}
	}

	msg := &models.DealMessage{DealID: dealID, SenderID: senderID, Text: text}
	if err := s.messages.Append(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// SendOwnerFeedback is the channel owner's structured draft feedback
// before accepting or declining: pending -> negotiating plus a thread
// message.
func (s *DealService) SendOwnerFeedback(ctx context.Context, dealID uuid.UUID, ownerID int64, text string) (*models.Deal, error) {
	deal, err := s.deals.GetByID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if ownerID != deal.ChannelOwnerID {
		return nil, domain.ErrUnauthorized
	}

	applied, err := s.deals.UpdateStatusIf(ctx, s.querier(), dealID, models.DealStatusNegotiating, models.DealStatusPending)
	if err != nil {
		return nil, err
	}
	deal, err = s.resolveWrite(ctx, dealID, applied, models.DealStatusNegotiating)
	if err != nil {
		return nil, err
	}

	_ = s.messages.Append(ctx, &models.DealMessage{DealID: dealID, SenderID: ownerID, Text: text})
	if applied {
		s.afterTransition(ctx, deal, models.DealStatusPending, &ownerID)
	}
	return deal, nil
}

// SetOwnerWallet records the payout address. Re-checks admin rights
// live: a payout destination is financial risk.
func (s *DealService) SetOwnerWallet(ctx context.Context, dealID uuid.UUID, ownerID int64, address string) (*models.Deal, error) {
	deal, err := s.deals.GetByID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if ownerID != deal.ChannelOwnerID {
		return nil, domain.ErrUnauthorized
	}
	if err := s.requireLiveAdmin(ctx, deal.ChannelID, ownerID); err != nil {
		return nil, err
	}
	if !s.gateway.IsValidAddress(address) {
		return nil, fmt.Errorf("invalid wallet address")
	}

	if err := s.deals.SetOwnerWallet(ctx, s.querier(), dealID, address); err != nil {
		return nil, err
	}
	s.auditLog(ctx, &ownerID, "user", "owner_wallet_set", dealID, map[string]any{"address": address})
	return s.deals.GetByID(ctx, dealID)
}

// Accept moves pending|negotiating -> payment_pending. The owner must
// still administer the channel and have a payout wallet on file; the
// escrow wallet is lazily generated exactly once and attached.
func (s *DealService) Accept(ctx context.Context, dealID uuid.UUID, ownerID int64) (*models.Deal, error) {
	deal, err := s.deals.GetByID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if ownerID != deal.ChannelOwnerID {
		return nil, domain.ErrUnauthorized
	}
	if err := s.requireLiveAdmin(ctx, deal.ChannelID, ownerID); err != nil {
		return nil, err
	}
	if deal.OwnerWalletAddress == nil {
		return nil, fmt.Errorf("no payout wallet on file, set one before accepting")
	}

	escrowAddr, err := s.ensureEscrowWallet(ctx, dealID)
	if err != nil {
		return nil, err
	}

	var applied bool
	err = s.deals.WithTx(ctx, func(tx pgx.Tx) error {
		fresh, err := s.deals.GetByIDForUpdate(ctx, tx, dealID)
		if err != nil {
			return err
		}
		if fresh.Status != models.DealStatusPending && fresh.Status != models.DealStatusNegotiating {
			return nil // resolved below against the fresh read
		}
		if fresh.EscrowAddress == nil {
			if _, err := s.deals.SetEscrowAddressIfEmpty(ctx, tx, dealID, escrowAddr); err != nil {
				return err
			}
		}
		applied, err = s.deals.UpdateStatusIf(ctx, tx, dealID, models.DealStatusPaymentPending,
			models.DealStatusPending, models.DealStatusNegotiating)
		return err
	})
	if err != nil {
		return nil, err
	}

	deal, err = s.resolveWrite(ctx, dealID, applied, models.DealStatusPaymentPending)
	if err != nil {
		return nil, err
	}
	if applied {
		s.afterTransition(ctx, deal, models.DealStatusPending, &ownerID)
		s.notify.Notify(ctx, "deal_accepted", deal.AdvertiserID, map[string]any{
			"deal_id":        deal.ID.String(),
			"escrow_address": escrowAddr,
			"amount_ton":     deal.PriceTON,
		})
	}
	return deal, nil
}

// ensureEscrowWallet generates the per-deal wallet at most once. The
// lease keeps concurrent callers from both hitting the key generator;
// the unique wallet row and the escrow_address IS NULL guard keep the
// result correct even if the lease expires mid-flight.
func (s *DealService) ensureEscrowWallet(ctx context.Context, dealID uuid.UUID) (string, error) {
	if w, err := s.escrow.GetWalletByDealID(ctx, dealID); err == nil {
		return w.Address, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}

	lease, err := s.locks.AcquireWait(ctx, lockKey(dealID, opGenerateEscrow), s.cfg.LockTTL, s.cfg.LockWaitMax)
	if err != nil {
		return "", err
	}
	defer lease.Release(ctx)

	// Re-check under the lease: a concurrent caller may have finished.
	if w, err := s.escrow.GetWalletByDealID(ctx, dealID); err == nil {
		return w.Address, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}

	gen, err := s.gateway.GenerateWallet(ctx)
	if err != nil {
		return "", fmt.Errorf("generate escrow wallet: %w", err)
	}

	inserted, err := s.escrow.InsertWallet(ctx, &models.EscrowWallet{
		DealID:        dealID,
		Address:       gen.Address,
		PublicKey:     gen.PublicKey,
		EncryptedSeed: gen.EncryptedSeed,
		Network:       gen.Network,
	})
	if err != nil {
		return "", err
	}
	if !inserted {
		// Lost the race despite the lease; the stored wallet wins.
		w, err := s.escrow.GetWalletByDealID(ctx, dealID)
		if err != nil {
			return "", err
		}
		return w.Address, nil
	}

	s.auditLog(ctx, nil, "system", "escrow_wallet_generated", dealID, map[string]any{"address": gen.Address})
	return gen.Address, nil
}

// ConfirmPayment verifies the escrow deposit against the settlement
// network and records it at most once. Safe under concurrent invocation
// from the API and the payment scheduler.
func (s *DealService) ConfirmPayment(ctx context.Context, dealID uuid.UUID) (*models.Deal, error) {
	lease, err := s.locks.AcquireWait(ctx, lockKey(dealID, opConfirmPayment), s.cfg.LockTTL, s.cfg.LockWaitMax)
	if err != nil {
		return nil, err
	}
	defer lease.Release(ctx)

	deal, err := s.deals.GetByID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if deal.Status != models.DealStatusPaymentPending {
		if deal.PaymentConfirmed() {
			return deal, nil // already confirmed by a concurrent caller
		}
		return nil, &domain.InvalidTransitionError{Current: deal.Status, Attempted: deal.PaidTarget()}
	}
	if deal.EscrowAddress == nil {
		return nil, fmt.Errorf("deal has no escrow address")
	}

	expected, err := ton.ParseTON(deal.PriceTON)
	if err != nil {
		return nil, fmt.Errorf("invalid deal price %q: %w", deal.PriceTON, err)
	}

	res, err := s.gateway.CheckPayment(ctx, *deal.EscrowAddress, expected, s.cfg.PaymentRecentWindow)
	if err != nil {
		return nil, fmt.Errorf("payment check: %w", err)
	}
	if !res.Received {
		return nil, domain.ErrPaymentNotDetected()
	}

	txHash := "balance_confirmed"
	if res.TxHash != nil {
		txHash = *res.TxHash
	}

	target := deal.PaidTarget()
	applied, err := s.deals.ConfirmPaymentIf(ctx, s.querier(), dealID, target, txHash)
	if err != nil {
		return nil, err
	}

	fresh, err := s.deals.GetByID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if !applied {
		if fresh.PaymentConfirmed() {
			return fresh, nil
		}
		return nil, &domain.InvalidTransitionError{Current: fresh.Status, Attempted: target}
	}

	_ = s.escrow.AddLedgerEntry(ctx, &models.LedgerEntry{
		DealID:      dealID,
		Direction:   models.LedgerDirIn,
		EntryType:   models.LedgerEntryPayment,
		FromAddress: res.FromAddress,
		ToAddress:   deal.EscrowAddress,
		AmountTON:   ton.FormatNano(res.AmountNano),
		TxHash:      &txHash,
		Status:      models.LedgerStatusConfirmed,
	})

	s.afterTransition(ctx, fresh, models.DealStatusPaymentPending, nil)
	s.notify.Notify(ctx, events.EventPaymentReceived, deal.ChannelOwnerID, map[string]any{
		"deal_id":      dealID.String(),
		"amount_ton":   deal.PriceTON,
		"balance_only": res.BalanceOnly,
	})
	return fresh, nil
}

type SubmitCreativeInput struct {
	Text          string
	MediaURLs     []string
	RepostFromURL *string
}

// SubmitCreative stores a new creative version and moves the deal to
// creative_submitted. Resubmission after a revision request comes in
// from negotiating; payment must already be confirmed on that path.
func (s *DealService) SubmitCreative(ctx context.Context, dealID uuid.UUID, ownerID int64, in SubmitCreativeInput) (*models.Deal, error) {
	deal, err := s.deals.GetByID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if ownerID != deal.ChannelOwnerID {
		return nil, domain.ErrUnauthorized
	}
	if deal.AdFormat == models.AdFormatRepost && (in.RepostFromURL == nil || *in.RepostFromURL == "") {
		return nil, fmt.Errorf("repost format requires repost_from_url")
	}

	switch deal.Status {
	case models.DealStatusPaid:
	case models.DealStatusNegotiating:
		if !deal.PaymentConfirmed() {
			return nil, &domain.InvalidTransitionError{Current: deal.Status, Attempted: models.DealStatusCreativeSubmitted}
		}
	default:
		return nil, &domain.InvalidTransitionError{Current: deal.Status, Attempted: models.DealStatusCreativeSubmitted}
	}

	creative := &models.Creative{
		DealID:        dealID,
		Text:          in.Text,
		MediaURLs:     in.MediaURLs,
		RepostFromURL: in.RepostFromURL,
		Status:        models.CreativeStatusSubmitted,
	}
	if err := s.creatives.Create(ctx, creative); err != nil {
		return nil, err
	}

	applied, err := s.deals.UpdateStatusIf(ctx, s.querier(), dealID, models.DealStatusCreativeSubmitted,
		models.DealStatusPaid, models.DealStatusNegotiating)
	if err != nil {
		return nil, err
	}
	fresh, err := s.resolveWrite(ctx, dealID, applied, models.DealStatusCreativeSubmitted)
	if err != nil {
		return nil, err
	}
	if applied {
		s.afterTransition(ctx, fresh, deal.Status, &ownerID)
		s.notify.Notify(ctx, "creative_submitted", deal.AdvertiserID, map[string]any{
			"deal_id": dealID.String(), "version": creative.Version,
		})
	}
	return fresh, nil
}

// ApproveCreative marks the latest creative approved. The deal re-enters
// paid when payment was already confirmed before review, otherwise it
// parks in creative_approved until the deposit lands.
func (s *DealService) ApproveCreative(ctx context.Context, dealID uuid.UUID, advertiserID int64) (*models.Deal, error) {
	deal, err := s.deals.GetByID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if advertiserID != deal.AdvertiserID {
		return nil, domain.ErrUnauthorized
	}

	target := models.DealStatusCreativeApproved
	if deal.PaymentConfirmed() {
		target = models.DealStatusPaid
	}

	creative, err := s.creatives.GetLatest(ctx, dealID)
	if err != nil {
		return nil, err
	}

	applied, err := s.deals.UpdateStatusIf(ctx, s.querier(), dealID, target, models.DealStatusCreativeSubmitted)
	if err != nil {
		return nil, err
	}
	fresh, err := s.resolveWrite(ctx, dealID, applied, target)
	if err != nil {
		return nil, err
	}
	if applied {
		_ = s.creatives.SetStatus(ctx, creative.ID, models.CreativeStatusApproved, nil)
		s.afterTransition(ctx, fresh, models.DealStatusCreativeSubmitted, &advertiserID)
		s.notify.Notify(ctx, "creative_approved", deal.ChannelOwnerID, map[string]any{"deal_id": dealID.String()})
	}
	return fresh, nil
}

// RequestRevision sends the creative back: creative_submitted ->
// negotiating, latest creative marked needs_revision with the notes.
func (s *DealService) RequestRevision(ctx context.Context, dealID uuid.UUID, advertiserID int64, notes string) (*models.Deal, error) {
	deal, err := s.deals.GetByID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if advertiserID != deal.AdvertiserID {
		return nil, domain.ErrUnauthorized
	}

	creative, err := s.creatives.GetLatest(ctx, dealID)
	if err != nil {
		return nil, err
	}

	applied, err := s.deals.UpdateStatusIf(ctx, s.querier(), dealID, models.DealStatusNegotiating, models.DealStatusCreativeSubmitted)
	if err != nil {
		return nil, err
	}
	fresh, err := s.resolveWrite(ctx, dealID, applied, models.DealStatusNegotiating)
	if err != nil {
		return nil, err
	}
	if applied {
		_ = s.creatives.SetStatus(ctx, creative.ID, models.CreativeStatusNeedsRevision, &notes)
		if notes != "" {
			_ = s.messages.Append(ctx, &models.DealMessage{DealID: dealID, SenderID: advertiserID, Text: notes})
		}
		s.afterTransition(ctx, fresh, models.DealStatusCreativeSubmitted, &advertiserID)
		s.notify.Notify(ctx, "revision_requested", deal.ChannelOwnerID, map[string]any{"deal_id": dealID.String()})
	}
	return fresh, nil
}

// Publish posts the deal content to the channel. Triggered by the owner
// or by the auto-publish scheduler; both paths share this method. actor
// is nil for the scheduler. The lease serializes the external post: a
// manual publish racing the scheduler must submit to the channel once,
// and the conditional write alone cannot dedup an already-sent message.
func (s *DealService) Publish(ctx context.Context, dealID uuid.UUID, actor *int64) (*models.Deal, error) {
	lease, err := s.locks.AcquireWait(ctx, lockKey(dealID, opPublish), s.cfg.LockTTL, s.cfg.LockWaitMax)
	if err != nil {
		return nil, err
	}
	defer lease.Release(ctx)

	deal, err := s.deals.GetByID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if actor != nil {
		if *actor != deal.ChannelOwnerID {
			return nil, domain.ErrUnauthorized
		}
		if err := s.requireLiveAdmin(ctx, deal.ChannelID, *actor); err != nil {
			return nil, err
		}
	}

	publishable := deal.Status == models.DealStatusPaid ||
		deal.Status == models.DealStatusScheduled ||
		deal.Status == models.DealStatusCreativeApproved
	if !publishable {
		if deal.Status == models.DealStatusPosted {
			return deal, nil // already published
		}
		return nil, &domain.InvalidTransitionError{Current: deal.Status, Attempted: models.DealStatusPosted}
	}

	text := ""
	var media []string
	if creative, err := s.creatives.GetLatest(ctx, dealID); err == nil {
		text = creative.Text
		media = creative.MediaURLs
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	} else if msgs, err := s.messages.ListByDeal(ctx, dealID, 1, 0); err == nil && len(msgs) > 0 {
		text = msgs[0].Text // fall back to the brief
	}

	result, err := s.platform.Publish(ctx, PublishRequest{
		DealID:    dealID.String(),
		ChannelID: deal.ChannelID,
		Text:      text,
		MediaURLs: media,
	})
	if err != nil {
		return nil, fmt.Errorf("publish to channel: %w", err)
	}

	now := time.Now()
	verifyUntil := now.Add(s.cfg.PostVerificationWindow)
	applied, err := s.deals.MarkPostedIf(ctx, s.querier(), dealID, result.MessageRef, now, verifyUntil,
		models.DealStatusPaid, models.DealStatusScheduled, models.DealStatusCreativeApproved)
	if err != nil {
		return nil, err
	}
	fresh, err := s.resolveWrite(ctx, dealID, applied, models.DealStatusPosted)
	if err != nil {
		return nil, err
	}
	if applied {
		s.afterTransition(ctx, fresh, deal.Status, actor)
		s.notify.Notify(ctx, "deal_posted", deal.AdvertiserID, map[string]any{
			"deal_id": dealID.String(), "post_ref": result.MessageRef,
		})
	}
	return fresh, nil
}

// RunVerification is the verification scheduler's entry point for one
// posted deal past its window: existence plus minimum-duration checks
// drive verified, a missing post drives refunded, anything else leaves
// the deal posted for the next pass.
func (s *DealService) RunVerification(ctx context.Context, dealID uuid.UUID, exists bool) (*models.Deal, error) {
	deal, err := s.deals.GetByID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if deal.Status != models.DealStatusPosted {
		return deal, nil // advanced by a concurrent pass
	}

	if !exists {
		return s.Refund(ctx, dealID, "post no longer exists")
	}

	if deal.FirstPublicationTime != nil {
		minDuration := time.Duration(deal.MinPublicationDays) * 24 * time.Hour
		if time.Since(*deal.FirstPublicationTime) < minDuration {
			return deal, nil // not up long enough yet, re-evaluate later
		}
	}

	applied, err := s.deals.MarkVerifiedIf(ctx, s.querier(), dealID)
	if err != nil {
		return nil, err
	}
	fresh, err := s.resolveWrite(ctx, dealID, applied, models.DealStatusVerified)
	if err != nil {
		return nil, err
	}
	if applied {
		s.afterTransition(ctx, fresh, models.DealStatusPosted, nil)
		s.notify.Notify(ctx, "post_verified", deal.AdvertiserID, map[string]any{"deal_id": dealID.String()})
	}
	return fresh, nil
}

// ConfirmPublication is the advertiser's confirmation: verified ->
// completed with funds released. The auto-release scheduler invokes
// ReleaseFunds directly with the same idempotency guarantees.
func (s *DealService) ConfirmPublication(ctx context.Context, dealID uuid.UUID, advertiserID int64) (*models.Deal, error) {
	deal, err := s.deals.GetByID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if advertiserID != deal.AdvertiserID {
		return nil, domain.ErrUnauthorized
	}
	return s.ReleaseFunds(ctx, dealID, &advertiserID)
}

// ReleaseFunds pays the channel owner out of escrow exactly once. The
// deal is marked completed (no longer releasable) before the transfer
// is submitted, so a crash in between leaves a completed deal with a
// pending ledger entry instead of a double payout.
func (s *DealService) ReleaseFunds(ctx context.Context, dealID uuid.UUID, actor *int64) (*models.Deal, error) {
	lease, err := s.locks.AcquireWait(ctx, lockKey(dealID, opReleaseFunds), s.cfg.LockTTL, s.cfg.LockWaitMax)
	if err != nil {
		return nil, err
	}
	defer lease.Release(ctx)

	deal, err := s.deals.GetByID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if deal.Status != models.DealStatusVerified {
		if deal.Status == models.DealStatusCompleted {
			return deal, nil // released by a concurrent caller
		}
		return nil, &domain.InvalidTransitionError{Current: deal.Status, Attempted: models.DealStatusCompleted}
	}
	if deal.OwnerWalletAddress == nil {
		return nil, fmt.Errorf("deal has no payout wallet")
	}

	// Lease may have been re-granted after an expiry; the ledger is the
	// idempotency backstop for the external transfer.
	released, err := s.escrow.HasLedgerEntry(ctx, dealID, models.LedgerEntryRelease)
	if err != nil {
		return nil, err
	}
	if released {
		return s.deals.GetByID(ctx, dealID)
	}

	wallet, err := s.escrow.GetWalletByDealID(ctx, dealID)
	if err != nil {
		return nil, err
	}

	amount, err := ton.ParseTON(deal.PriceTON)
	if err != nil {
		return nil, fmt.Errorf("invalid deal price %q: %w", deal.PriceTON, err)
	}
	net, fee := ton.SplitFee(amount, deal.PlatformFeeBPS)

	applied, err := s.deals.UpdateStatusIf(ctx, s.querier(), dealID, models.DealStatusCompleted, models.DealStatusVerified)
	if err != nil {
		return nil, err
	}
	fresh, err := s.resolveWrite(ctx, dealID, applied, models.DealStatusCompleted)
	if err != nil {
		return nil, err
	}
	if !applied {
		return fresh, nil // concurrent caller owns the transfer
	}

	entry := &models.LedgerEntry{
		DealID:      dealID,
		Direction:   models.LedgerDirOut,
		EntryType:   models.LedgerEntryRelease,
		FromAddress: deal.EscrowAddress,
		ToAddress:   deal.OwnerWalletAddress,
		AmountTON:   ton.FormatNano(net),
		Status:      models.LedgerStatusPending,
	}
	if err := s.escrow.AddLedgerEntry(ctx, entry); err != nil {
		return nil, err
	}

	txHash, err := s.gateway.Transfer(ctx, wallet.EncryptedSeed, *deal.OwnerWalletAddress, net, "deal:"+dealID.String())
	if err != nil {
		// Deal stays completed; the pending ledger row flags the payout
		// for re-submission instead of risking a double spend.
		s.log.Error("release transfer failed, ledger entry left pending",
			zap.String("deal_id", dealID.String()), zap.Error(err))
		return fresh, fmt.Errorf("release transfer: %w", err)
	}
	_ = s.escrow.SetLedgerStatus(ctx, entry.ID, models.LedgerStatusConfirmed, &txHash)

	if fee.Sign() > 0 {
		_ = s.escrow.AddLedgerEntry(ctx, &models.LedgerEntry{
			DealID:      dealID,
			Direction:   models.LedgerDirOut,
			EntryType:   models.LedgerEntryFee,
			FromAddress: deal.EscrowAddress,
			AmountTON:   ton.FormatNano(fee),
			Status:      models.LedgerStatusConfirmed,
		})
	}

	s.afterTransition(ctx, fresh, models.DealStatusVerified, actor)
	s.notify.Notify(ctx, events.EventFundsReleased, deal.ChannelOwnerID, map[string]any{
		"deal_id": dealID.String(), "amount_ton": ton.FormatNano(net), "tx_hash": txHash,
	})
	return fresh, nil
}

// Refund returns the escrow deposit to the advertiser when verification
// failed: posted -> refunded, transfer submitted at most once.
func (s *DealService) Refund(ctx context.Context, dealID uuid.UUID, reason string) (*models.Deal, error) {
	lease, err := s.locks.AcquireWait(ctx, lockKey(dealID, opRefund), s.cfg.LockTTL, s.cfg.LockWaitMax)
	if err != nil {
		return nil, err
	}
	defer lease.Release(ctx)

	deal, err := s.deals.GetByID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if deal.Status != models.DealStatusPosted {
		if deal.Status == models.DealStatusRefunded {
			return deal, nil
		}
		return nil, &domain.InvalidTransitionError{Current: deal.Status, Attempted: models.DealStatusRefunded}
	}

	refunded, err := s.escrow.HasLedgerEntry(ctx, dealID, models.LedgerEntryRefund)
	if err != nil {
		return nil, err
	}

	applied, err := s.deals.UpdateStatusIf(ctx, s.querier(), dealID, models.DealStatusRefunded, models.DealStatusPosted)
	if err != nil {
		return nil, err
	}
	fresh, err := s.resolveWrite(ctx, dealID, applied, models.DealStatusRefunded)
	if err != nil {
		return nil, err
	}
	if !applied || refunded {
		return fresh, nil
	}

	s.auditLog(ctx, nil, "system", "deal_refund_reason", dealID, map[string]any{"reason": reason})

	payer := s.payerAddress(ctx, dealID)
	if payer == nil {
		// Balance-only confirmations have no payer address; the deposit
		// stays in escrow for manual resolution.
		s.log.Warn("refund has no payer address, skipping transfer", zap.String("deal_id", dealID.String()))
		s.afterTransition(ctx, fresh, models.DealStatusPosted, nil)
		return fresh, nil
	}

	wallet, err := s.escrow.GetWalletByDealID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	amount, err := ton.ParseTON(deal.PriceTON)
	if err != nil {
		return nil, fmt.Errorf("invalid deal price %q: %w", deal.PriceTON, err)
	}

	entry := &models.LedgerEntry{
		DealID:      dealID,
		Direction:   models.LedgerDirOut,
		EntryType:   models.LedgerEntryRefund,
		FromAddress: deal.EscrowAddress,
		ToAddress:   payer,
		AmountTON:   ton.FormatNano(amount),
		Status:      models.LedgerStatusPending,
	}
	if err := s.escrow.AddLedgerEntry(ctx, entry); err != nil {
		return nil, err
	}

	txHash, err := s.gateway.Transfer(ctx, wallet.EncryptedSeed, *payer, amount, "refund:"+dealID.String())
	if err != nil {
		s.log.Error("refund transfer failed, ledger entry left pending",
			zap.String("deal_id", dealID.String()), zap.Error(err))
		return fresh, fmt.Errorf("refund transfer: %w", err)
	}
	_ = s.escrow.SetLedgerStatus(ctx, entry.ID, models.LedgerStatusConfirmed, &txHash)

	s.afterTransition(ctx, fresh, models.DealStatusPosted, nil)
	s.notify.Notify(ctx, events.EventDealRefunded, deal.AdvertiserID, map[string]any{
		"deal_id": dealID.String(), "tx_hash": txHash,
	})
	return fresh, nil
}

// Decline ends a deal in an early status. actor nil means the expiry
// scheduler declined it for inactivity.
func (s *DealService) Decline(ctx context.Context, dealID uuid.UUID, actor *int64, reason string) (*models.Deal, error) {
	deal, err := s.deals.GetByID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if actor != nil && *actor != deal.ChannelOwnerID {
		return nil, domain.ErrUnauthorized
	}

	applied, err := s.deals.DeclineIf(ctx, s.querier(), dealID, reason,
		models.DealStatusPending, models.DealStatusNegotiating, models.DealStatusPaymentPending)
	if err != nil {
		return nil, err
	}
	fresh, err := s.resolveWrite(ctx, dealID, applied, models.DealStatusDeclined)
	if err != nil {
		return nil, err
	}
	if applied {
		s.afterTransition(ctx, fresh, deal.Status, actor)
		s.notify.Notify(ctx, "deal_declined", deal.AdvertiserID, map[string]any{
			"deal_id": dealID.String(), "reason": reason,
		})
	}
	return fresh, nil
}

// ---- accessors ----

func (s *DealService) GetDeal(ctx context.Context, id uuid.UUID) (*models.Deal, error) {
	return s.deals.GetByID(ctx, id)
}

func (s *DealService) ListDeals(ctx context.Context, f repositories.DealFilter) ([]models.Deal, error) {
	return s.deals.List(ctx, f)
}

func (s *DealService) GetMessages(ctx context.Context, dealID uuid.UUID, limit, offset int) ([]models.DealMessage, error) {
	return s.messages.ListByDeal(ctx, dealID, limit, offset)
}

func (s *DealService) GetLatestCreative(ctx context.Context, dealID uuid.UUID) (*models.Creative, error) {
	return s.creatives.GetLatest(ctx, dealID)
}

func (s *DealService) GetLedger(ctx context.Context, dealID uuid.UUID) ([]models.LedgerEntry, error) {
	return s.escrow.ListLedgerByDeal(ctx, dealID)
}

// ---- helpers ----

func lockKey(dealID uuid.UUID, operation string) string {
	return lock.Key(dealID, operation)
}

// querier returns the non-transactional write target; the repo falls
// back to its pool for a nil querier. Conditional writes outside an
// explicit transaction still repeat their preconditions in the WHERE
// clause, so they stay correct on their own.
func (s *DealService) querier() repositories.Querier {
	return nil
}

// payerAddress recovers the advertiser's sending address from the
// recorded deposit, when the deposit was matched to a transaction.
func (s *DealService) payerAddress(ctx context.Context, dealID uuid.UUID) *string {
	entries, err := s.escrow.ListLedgerByDeal(ctx, dealID)
	if err != nil {
		s.log.Warn("ledger read failed", zap.String("deal_id", dealID.String()), zap.Error(err))
		return nil
	}
	for _, e := range entries {
		if e.EntryType == models.LedgerEntryPayment && e.FromAddress != nil {
			return e.FromAddress
		}
	}
	return nil
}

// resolveWrite turns a conditional-write outcome into a deal or a typed
// error: an unapplied write whose target state is already in place is a
// same-result race, not a failure.
func (s *DealService) resolveWrite(ctx context.Context, dealID uuid.UUID, applied bool, target string) (*models.Deal, error) {
	fresh, err := s.deals.GetByID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if !applied && fresh.Status != target {
		return nil, &domain.InvalidTransitionError{Current: fresh.Status, Attempted: target}
	}
	return fresh, nil
}

// requireLiveAdmin re-checks channel rights against the platform, never
// against stored role flags: rights can be revoked after a deal begins.
func (s *DealService) requireLiveAdmin(ctx context.Context, channelID, userID int64) error {
	result, err := s.platform.CheckAdmin(ctx, channelID, userID)
	if err != nil {
		return &domain.VerificationError{Reason: fmt.Sprintf("failed to verify admin status: %v", err), Retryable: true}
	}
	if !result.IsAdmin || !result.CanPostMessages {
		return domain.ErrUnauthorized
	}
	return nil
}

func (s *DealService) afterTransition(ctx context.Context, deal *models.Deal, oldStatus string, actor *int64) {
	actorType := "system"
	if actor != nil {
		actorType = "user"
	}
	s.auditLog(ctx, actor, actorType, fmt.Sprintf("deal_status_%s_to_%s", oldStatus, deal.Status), deal.ID, map[string]any{
		"old_status": oldStatus,
		"new_status": deal.Status,
	})
	s.notify.Broadcast(ctx, events.EventDealStatusChanged, map[string]any{
		"deal_id":    deal.ID.String(),
		"old_status": oldStatus,
		"new_status": deal.Status,
	})
}

func (s *DealService) auditLog(ctx context.Context, actor *int64, actorType, action string, dealID uuid.UUID, meta map[string]any) {
	if err := s.audit.Log(ctx, models.AuditLog{
		ActorID:    actor,
		ActorType:  actorType,
		Action:     action,
		EntityType: "deal",
		EntityID:   &dealID,
		Meta:       meta,
	}); err != nil {
		s.log.Warn("audit log failed", zap.String("action", action), zap.Error(err))
	}
}
