package services

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/miner-sl/ad-marketplace-sub000/internal/config"
	"github.com/miner-sl/ad-marketplace-sub000/internal/domain"
	"github.com/miner-sl/ad-marketplace-sub000/internal/models"
	"github.com/miner-sl/ad-marketplace-sub000/internal/repositories"
	"github.com/miner-sl/ad-marketplace-sub000/internal/ton"
	"go.uber.org/zap"
)

// ---- in-memory fakes ----

type fakeDeals struct {
	mu    sync.Mutex
	deals map[uuid.UUID]*models.Deal
}

func newFakeDeals() *fakeDeals {
	return &fakeDeals{deals: map[uuid.UUID]*models.Deal{}}
}

func (f *fakeDeals) put(d *models.Deal) *models.Deal {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	cp := *d
	f.deals[d.ID] = &cp
	return d
}

func (f *fakeDeals) Create(ctx context.Context, d *models.Deal) error {
	d.ID = uuid.New()
	d.CreatedAt = time.Now()
	d.UpdatedAt = d.CreatedAt
	f.put(d)
	return nil
}

func (f *fakeDeals) GetByID(ctx context.Context, id uuid.UUID) (*models.Deal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deals[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDeals) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

func (f *fakeDeals) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Deal, error) {
	return f.GetByID(ctx, id)
}

func (f *fakeDeals) UpdateStatusIf(ctx context.Context, q repositories.Querier, id uuid.UUID, to string, from ...string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deals[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if d.Status == s {
			d.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeDeals) DeclineIf(ctx context.Context, q repositories.Querier, id uuid.UUID, reason string, from ...string) (bool, error) {
	ok, err := f.UpdateStatusIf(ctx, q, id, models.DealStatusDeclined, from...)
	if ok {
		f.mu.Lock()
		f.deals[id].DeclineReason = &reason
		f.mu.Unlock()
	}
	return ok, err
}

func (f *fakeDeals) SetEscrowAddressIfEmpty(ctx context.Context, q repositories.Querier, id uuid.UUID, address string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.deals[id]
	if d.EscrowAddress != nil {
		return false, nil
	}
	d.EscrowAddress = &address
	return true, nil
}

func (f *fakeDeals) SetOwnerWallet(ctx context.Context, q repositories.Querier, id uuid.UUID, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deals[id].OwnerWalletAddress = &address
	return nil
}

func (f *fakeDeals) ConfirmPaymentIf(ctx context.Context, q repositories.Querier, id uuid.UUID, to, txHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.deals[id]
	if d.Status != models.DealStatusPaymentPending || d.PaymentTxHash != nil {
		return false, nil
	}
	now := time.Now()
	d.Status = to
	d.PaymentTxHash = &txHash
	d.PaymentConfirmedAt = &now
	return true, nil
}

func (f *fakeDeals) MarkPostedIf(ctx context.Context, q repositories.Querier, id uuid.UUID, postRef string, postedAt, verifyUntil time.Time, from ...string) (bool, error) {
	ok, err := f.UpdateStatusIf(ctx, q, id, models.DealStatusPosted, from...)
	if ok {
		f.mu.Lock()
		d := f.deals[id]
		d.PostMessageRef = &postRef
		d.ActualPostTime = &postedAt
		d.PostVerificationUntil = &verifyUntil
		if d.FirstPublicationTime == nil {
			d.FirstPublicationTime = &postedAt
		}
		f.mu.Unlock()
	}
	return ok, err
}

func (f *fakeDeals) MarkVerifiedIf(ctx context.Context, q repositories.Querier, id uuid.UUID) (bool, error) {
	ok, err := f.UpdateStatusIf(ctx, q, id, models.DealStatusVerified, models.DealStatusPosted)
	if ok {
		now := time.Now()
		f.mu.Lock()
		f.deals[id].VerifiedAt = &now
		f.mu.Unlock()
	}
	return ok, err
}

func (f *fakeDeals) List(ctx context.Context, _ repositories.DealFilter) ([]models.Deal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Deal
	for _, d := range f.deals {
		out = append(out, *d)
	}
	return out, nil
}

type fakeCreatives struct {
	mu      sync.Mutex
	entries []*models.Creative
}

func (f *fakeCreatives) Create(ctx context.Context, c *models.Creative) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.ID = uuid.New()
	c.Version = len(f.entries) + 1
	f.entries = append(f.entries, c)
	return nil
}

func (f *fakeCreatives) GetLatest(ctx context.Context, dealID uuid.UUID) (*models.Creative, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.entries) - 1; i >= 0; i-- {
		if f.entries[i].DealID == dealID {
			cp := *f.entries[i]
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeCreatives) SetStatus(ctx context.Context, id uuid.UUID, status string, revisionNotes *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.entries {
		if c.ID == id {
			c.Status = status
			c.RevisionNotes = revisionNotes
		}
	}
	return nil
}

type fakeMessages struct {
	mu   sync.Mutex
	msgs []models.DealMessage
}

func (f *fakeMessages) Append(ctx context.Context, m *models.DealMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.ID = uuid.New()
	f.msgs = append(f.msgs, *m)
	return nil
}

func (f *fakeMessages) ListByDeal(ctx context.Context, dealID uuid.UUID, limit, offset int) ([]models.DealMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.DealMessage
	for _, m := range f.msgs {
		if m.DealID == dealID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeEscrow struct {
	mu      sync.Mutex
	wallets map[uuid.UUID]*models.EscrowWallet
	ledger  []*models.LedgerEntry
}

func newFakeEscrow() *fakeEscrow {
	return &fakeEscrow{wallets: map[uuid.UUID]*models.EscrowWallet{}}
}

func (f *fakeEscrow) InsertWallet(ctx context.Context, w *models.EscrowWallet) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.wallets[w.DealID]; exists {
		return false, nil
	}
	w.ID = uuid.New()
	f.wallets[w.DealID] = w
	return true, nil
}

func (f *fakeEscrow) GetWalletByDealID(ctx context.Context, dealID uuid.UUID) (*models.EscrowWallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.wallets[dealID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return w, nil
}

func (f *fakeEscrow) AddLedgerEntry(ctx context.Context, e *models.LedgerEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.ID = uuid.New()
	f.ledger = append(f.ledger, e)
	return nil
}

func (f *fakeEscrow) SetLedgerStatus(ctx context.Context, id uuid.UUID, status string, txHash *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.ledger {
		if e.ID == id {
			e.Status = status
			e.TxHash = txHash
		}
	}
	return nil
}

func (f *fakeEscrow) HasLedgerEntry(ctx context.Context, dealID uuid.UUID, entryType string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.ledger {
		if e.DealID == dealID && e.EntryType == entryType && e.Status != models.LedgerStatusFailed {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeEscrow) ListLedgerByDeal(ctx context.Context, dealID uuid.UUID) ([]models.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range f.ledger {
		if e.DealID == dealID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeEscrow) countEntries(entryType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.ledger {
		if e.EntryType == entryType {
			n++
		}
	}
	return n
}

type fakeAudit struct{}

func (fakeAudit) Log(ctx context.Context, entry models.AuditLog) error { return nil }

type fakeGateway struct {
	mu            sync.Mutex
	payment       *ton.PaymentResult
	paymentErr    error
	transferErr   error
	transferCount int
	walletSeq     int
}

func (f *fakeGateway) GenerateWallet(ctx context.Context) (*ton.GeneratedWallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.walletSeq++
	return &ton.GeneratedWallet{
		Address:       "EQescrow" + string(rune('a'+f.walletSeq)),
		PublicKey:     "aabb",
		EncryptedSeed: "sealed",
		Network:       "testnet",
	}, nil
}

func (f *fakeGateway) CheckPayment(ctx context.Context, addr string, expected *big.Int, window time.Duration) (*ton.PaymentResult, error) {
	if f.paymentErr != nil {
		return nil, f.paymentErr
	}
	if f.payment != nil {
		return f.payment, nil
	}
	return &ton.PaymentResult{Received: false}, nil
}

func (f *fakeGateway) GetBalance(ctx context.Context, addr string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeGateway) Transfer(ctx context.Context, encryptedSeed, toAddr string, amountNano *big.Int, memo string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transferErr != nil {
		return "", f.transferErr
	}
	f.transferCount++
	return "txhash01", nil
}

func (f *fakeGateway) transfers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transferCount
}

func (f *fakeGateway) IsValidAddress(s string) bool { return s != "" && s != "bogus" }

type fakePlatform struct {
	mu         sync.Mutex
	admin      CheckAdminResult
	adminErr   error
	publishErr error
	published  int
}

func (f *fakePlatform) CheckAdmin(ctx context.Context, channelID, userID int64) (*CheckAdminResult, error) {
	if f.adminErr != nil {
		return nil, f.adminErr
	}
	r := f.admin
	return &r, nil
}

func (f *fakePlatform) Publish(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.mu.Lock()
	f.published++
	f.mu.Unlock()
	return &PublishResult{MessageRef: "1042", PostURL: "https://t.me/c/1/1042"}, nil
}

func (f *fakePlatform) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published
}

func (f *fakePlatform) PostExists(ctx context.Context, channelID int64, messageRef string) (*PostExistsResult, error) {
	return &PostExistsResult{Exists: true, HasAccess: true}, nil
}

// fakeLocker gives real per-key mutual exclusion so concurrency tests
// exercise the same serialization the redis lease provides.
type fakeLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{locks: map[string]*sync.Mutex{}}
}

func (l *fakeLocker) AcquireWait(ctx context.Context, key string, ttl, maxWait time.Duration) (Lease, error) {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()
	m.Lock()
	return mutexLease{m}, nil
}

type mutexLease struct{ mu *sync.Mutex }

func (l mutexLease) Release(ctx context.Context) { l.mu.Unlock() }

type fakeNotify struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeNotify) Notify(ctx context.Context, eventType string, recipientID int64, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

func (f *fakeNotify) Broadcast(ctx context.Context, eventType string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

func (f *fakeNotify) has(eventType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e == eventType {
			return true
		}
	}
	return false
}

// ---- harness ----

type harness struct {
	svc      *DealService
	deals    *fakeDeals
	escrow   *fakeEscrow
	gateway  *fakeGateway
	platform *fakePlatform
	notify   *fakeNotify
	msgs     *fakeMessages
}

func newHarness() *harness {
	h := &harness{
		deals:    newFakeDeals(),
		escrow:   newFakeEscrow(),
		gateway:  &fakeGateway{},
		platform: &fakePlatform{admin: CheckAdminResult{IsAdmin: true, CanPostMessages: true}},
		notify:   &fakeNotify{},
		msgs:     &fakeMessages{},
	}
	cfg := &config.Config{
		PlatformFeeBPS:         500,
		MinPublicationDays:     2,
		PostVerificationWindow: 48 * time.Hour,
		PaymentRecentWindow:    24 * time.Hour,
		LockTTL:                45 * time.Second,
		LockWaitMax:            time.Second,
	}
	h.svc = NewDealService(
		h.deals, &fakeCreatives{}, h.msgs, h.escrow, fakeAudit{},
		h.gateway, h.platform, newFakeLocker(), h.notify, cfg, zap.NewNop(),
	)
	return h
}

func (h *harness) seedDeal(status string, mutate ...func(*models.Deal)) *models.Deal {
	d := &models.Deal{
		ID:                 uuid.New(),
		DealType:           models.DealTypeListing,
		ChannelID:          -100,
		ChannelOwnerID:     10,
		AdvertiserID:       20,
		Status:             status,
		AdFormat:           models.AdFormatPost,
		PriceTON:           "5",
		PlatformFeeBPS:     500,
		MinPublicationDays: 2,
	}
	for _, m := range mutate {
		m(d)
	}
	return h.deals.put(d)
}

func withEscrow(addr string) func(*models.Deal) {
	return func(d *models.Deal) { d.EscrowAddress = &addr }
}

func withOwnerWallet(addr string) func(*models.Deal) {
	return func(d *models.Deal) { d.OwnerWalletAddress = &addr }
}

func paymentConfirmed(d *models.Deal) {
	now := time.Now()
	hash := "intx"
	d.PaymentConfirmedAt = &now
	d.PaymentTxHash = &hash
}

// ---- tests ----

func TestAcceptGeneratesEscrowOnce(t *testing.T) {
	h := newHarness()
	deal := h.seedDeal(models.DealStatusPending, withOwnerWallet("EQowner"))

	got, err := h.svc.Accept(context.Background(), deal.ID, 10)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if got.Status != models.DealStatusPaymentPending {
		t.Errorf("status = %q, want payment_pending", got.Status)
	}
	if got.EscrowAddress == nil {
		t.Fatal("escrow address not attached")
	}

	// Second accept must not mint a second wallet or fail.
	again, err := h.svc.Accept(context.Background(), deal.ID, 10)
	if err != nil {
		t.Fatalf("repeat Accept: %v", err)
	}
	if *again.EscrowAddress != *got.EscrowAddress {
		t.Errorf("escrow address changed on repeat accept: %q vs %q", *again.EscrowAddress, *got.EscrowAddress)
	}
	if h.gateway.walletSeq != 1 {
		t.Errorf("wallets generated = %d, want 1", h.gateway.walletSeq)
	}
}

func TestAcceptRequiresAdminAndWallet(t *testing.T) {
	h := newHarness()
	deal := h.seedDeal(models.DealStatusPending, withOwnerWallet("EQowner"))

	if _, err := h.svc.Accept(context.Background(), deal.ID, 99); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("wrong user: err = %v, want ErrUnauthorized", err)
	}

	h.platform.admin = CheckAdminResult{IsAdmin: false}
	if _, err := h.svc.Accept(context.Background(), deal.ID, 10); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("revoked admin: err = %v, want ErrUnauthorized", err)
	}

	h.platform.admin = CheckAdminResult{IsAdmin: true, CanPostMessages: true}
	noWallet := h.seedDeal(models.DealStatusPending)
	if _, err := h.svc.Accept(context.Background(), noWallet.ID, 10); err == nil {
		t.Error("accept without payout wallet should fail")
	}
}

func TestConfirmPaymentRecordsOnce(t *testing.T) {
	h := newHarness()
	deal := h.seedDeal(models.DealStatusPaymentPending, withEscrow("EQescrow"), withOwnerWallet("EQowner"))
	hash := "abc123"
	from := "EQpayer"
	h.gateway.payment = &ton.PaymentResult{
		Received:    true,
		AmountNano:  big.NewInt(5_000_000_000),
		TxHash:      &hash,
		FromAddress: &from,
	}

	got, err := h.svc.ConfirmPayment(context.Background(), deal.ID)
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if got.Status != models.DealStatusPaid {
		t.Errorf("status = %q, want paid", got.Status)
	}
	if got.PaymentTxHash == nil || *got.PaymentTxHash != hash {
		t.Errorf("tx hash not recorded")
	}

	// A concurrent duplicate resolves to the current state, no error, no
	// second ledger entry.
	again, err := h.svc.ConfirmPayment(context.Background(), deal.ID)
	if err != nil {
		t.Fatalf("repeat ConfirmPayment: %v", err)
	}
	if again.Status != models.DealStatusPaid {
		t.Errorf("repeat status = %q", again.Status)
	}
	if n := h.escrow.countEntries(models.LedgerEntryPayment); n != 1 {
		t.Errorf("payment ledger entries = %d, want 1", n)
	}
}

func TestConfirmPaymentNotDetected(t *testing.T) {
	h := newHarness()
	deal := h.seedDeal(models.DealStatusPaymentPending, withEscrow("EQescrow"))

	_, err := h.svc.ConfirmPayment(context.Background(), deal.ID)
	if err == nil {
		t.Fatal("expected error when no payment found")
	}
	if !domain.IsRetryableVerification(err) {
		t.Errorf("err = %v, want retryable verification error", err)
	}

	got, _ := h.deals.GetByID(context.Background(), deal.ID)
	if got.Status != models.DealStatusPaymentPending {
		t.Errorf("status changed to %q on failed check", got.Status)
	}
}

func TestConfirmPaymentMovesToScheduledWhenPostTimeAgreed(t *testing.T) {
	h := newHarness()
	at := time.Now().Add(24 * time.Hour)
	deal := h.seedDeal(models.DealStatusPaymentPending, withEscrow("EQescrow"), func(d *models.Deal) {
		d.ScheduledPostTime = &at
	})
	h.gateway.payment = &ton.PaymentResult{Received: true, AmountNano: big.NewInt(5_000_000_000)}

	got, err := h.svc.ConfirmPayment(context.Background(), deal.ID)
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if got.Status != models.DealStatusScheduled {
		t.Errorf("status = %q, want scheduled", got.Status)
	}
}

func TestSubmitCreativeTransitions(t *testing.T) {
	h := newHarness()

	paid := h.seedDeal(models.DealStatusPaid)
	got, err := h.svc.SubmitCreative(context.Background(), paid.ID, 10, SubmitCreativeInput{Text: "draft"})
	if err != nil {
		t.Fatalf("SubmitCreative from paid: %v", err)
	}
	if got.Status != models.DealStatusCreativeSubmitted {
		t.Errorf("status = %q", got.Status)
	}

	// Resubmission from negotiating needs a confirmed payment.
	resub := h.seedDeal(models.DealStatusNegotiating, paymentConfirmed)
	if _, err := h.svc.SubmitCreative(context.Background(), resub.ID, 10, SubmitCreativeInput{Text: "v2"}); err != nil {
		t.Errorf("resubmission after revision: %v", err)
	}

	unpaid := h.seedDeal(models.DealStatusNegotiating)
	_, err = h.svc.SubmitCreative(context.Background(), unpaid.ID, 10, SubmitCreativeInput{Text: "v1"})
	if _, ok := domain.IsInvalidTransition(err); !ok {
		t.Errorf("unpaid resubmission: err = %v, want InvalidTransitionError", err)
	}

	repost := h.seedDeal(models.DealStatusPaid, func(d *models.Deal) { d.AdFormat = models.AdFormatRepost })
	if _, err := h.svc.SubmitCreative(context.Background(), repost.ID, 10, SubmitCreativeInput{Text: "x"}); err == nil {
		t.Error("repost creative without source url should fail")
	}
}

func TestApproveCreativeTargetDependsOnPayment(t *testing.T) {
	h := newHarness()

	paidDeal := h.seedDeal(models.DealStatusPaid, paymentConfirmed)
	if _, err := h.svc.SubmitCreative(context.Background(), paidDeal.ID, 10, SubmitCreativeInput{Text: "d"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got, err := h.svc.ApproveCreative(context.Background(), paidDeal.ID, 20)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got.Status != models.DealStatusPaid {
		t.Errorf("paid deal approval: status = %q, want paid", got.Status)
	}

	// Approval before payment parks the deal until the deposit lands.
	unpaid := h.seedDeal(models.DealStatusCreativeSubmitted)
	h.svc.creatives.Create(context.Background(), &models.Creative{DealID: unpaid.ID, Text: "d", Status: models.CreativeStatusSubmitted})
	got, err = h.svc.ApproveCreative(context.Background(), unpaid.ID, 20)
	if err != nil {
		t.Fatalf("approve unpaid: %v", err)
	}
	if got.Status != models.DealStatusCreativeApproved {
		t.Errorf("unpaid approval: status = %q, want creative_approved", got.Status)
	}
}

func TestPublishByOwner(t *testing.T) {
	h := newHarness()
	deal := h.seedDeal(models.DealStatusPaid, paymentConfirmed)
	owner := int64(10)

	got, err := h.svc.Publish(context.Background(), deal.ID, &owner)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got.Status != models.DealStatusPosted {
		t.Errorf("status = %q, want posted", got.Status)
	}
	if got.PostMessageRef == nil || *got.PostMessageRef != "1042" {
		t.Error("post ref not recorded")
	}
	if got.PostVerificationUntil == nil || got.FirstPublicationTime == nil {
		t.Error("verification window or first publication time missing")
	}

	// Republishing an already-posted deal is a no-op, not an error.
	again, err := h.svc.Publish(context.Background(), deal.ID, &owner)
	if err != nil {
		t.Fatalf("repeat Publish: %v", err)
	}
	if again.Status != models.DealStatusPosted {
		t.Errorf("repeat status = %q", again.Status)
	}
}

func TestConcurrentPublishPostsOnce(t *testing.T) {
	h := newHarness()
	deal := h.seedDeal(models.DealStatusPaid, paymentConfirmed)
	owner := int64(10)

	// Owner-triggered publish racing the scheduler pass. The lease must
	// serialize them; a duplicate channel post cannot be undone by the
	// status write.
	var wg sync.WaitGroup
	for _, actor := range []*int64{&owner, nil} {
		wg.Add(1)
		go func(actor *int64) {
			defer wg.Done()
			if _, err := h.svc.Publish(context.Background(), deal.ID, actor); err != nil {
				t.Errorf("Publish: %v", err)
			}
		}(actor)
	}
	wg.Wait()

	if got := h.platform.publishedCount(); got != 1 {
		t.Fatalf("channel post submitted %d times, want 1", got)
	}
	fresh, err := h.deals.GetByID(context.Background(), deal.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if fresh.Status != models.DealStatusPosted {
		t.Errorf("status = %q, want posted", fresh.Status)
	}
}

func TestRunVerification(t *testing.T) {
	h := newHarness()

	old := time.Now().Add(-72 * time.Hour)
	deal := h.seedDeal(models.DealStatusPosted, func(d *models.Deal) {
		d.FirstPublicationTime = &old
	})
	got, err := h.svc.RunVerification(context.Background(), deal.ID, true)
	if err != nil {
		t.Fatalf("RunVerification: %v", err)
	}
	if got.Status != models.DealStatusVerified {
		t.Errorf("status = %q, want verified", got.Status)
	}

	// Posted recently: stays posted until the minimum duration passes.
	recent := time.Now().Add(-time.Hour)
	young := h.seedDeal(models.DealStatusPosted, func(d *models.Deal) {
		d.FirstPublicationTime = &recent
	})
	got, err = h.svc.RunVerification(context.Background(), young.ID, true)
	if err != nil {
		t.Fatalf("RunVerification young: %v", err)
	}
	if got.Status != models.DealStatusPosted {
		t.Errorf("young deal status = %q, want posted", got.Status)
	}
}

func TestVerificationMissingPostRefunds(t *testing.T) {
	h := newHarness()
	from := "EQpayer"
	deal := h.seedDeal(models.DealStatusPosted, withEscrow("EQescrow"))
	h.escrow.wallets[deal.ID] = &models.EscrowWallet{DealID: deal.ID, Address: "EQescrow", EncryptedSeed: "sealed"}
	h.escrow.ledger = append(h.escrow.ledger, &models.LedgerEntry{
		ID: uuid.New(), DealID: deal.ID,
		EntryType: models.LedgerEntryPayment, Direction: models.LedgerDirIn,
		FromAddress: &from, AmountTON: "5", Status: models.LedgerStatusConfirmed,
	})

	got, err := h.svc.RunVerification(context.Background(), deal.ID, false)
	if err != nil {
		t.Fatalf("RunVerification: %v", err)
	}
	if got.Status != models.DealStatusRefunded {
		t.Errorf("status = %q, want refunded", got.Status)
	}
	if h.gateway.transfers() != 1 {
		t.Errorf("transfers = %d, want 1 refund", h.gateway.transfers())
	}
	if !h.notify.has("deal_refunded") {
		t.Error("refund notification missing")
	}
}

func TestRefundWithoutPayerAddressSkipsTransfer(t *testing.T) {
	h := newHarness()
	deal := h.seedDeal(models.DealStatusPosted, withEscrow("EQescrow"))

	got, err := h.svc.Refund(context.Background(), deal.ID, "post removed")
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if got.Status != models.DealStatusRefunded {
		t.Errorf("status = %q, want refunded", got.Status)
	}
	if h.gateway.transfers() != 0 {
		t.Errorf("transfers = %d, want 0 without a payer address", h.gateway.transfers())
	}
}

func TestReleaseFundsOnce(t *testing.T) {
	h := newHarness()
	deal := h.seedDeal(models.DealStatusVerified, withEscrow("EQescrow"), withOwnerWallet("EQowner"), paymentConfirmed)
	h.escrow.wallets[deal.ID] = &models.EscrowWallet{DealID: deal.ID, Address: "EQescrow", EncryptedSeed: "sealed"}

	got, err := h.svc.ReleaseFunds(context.Background(), deal.ID, nil)
	if err != nil {
		t.Fatalf("ReleaseFunds: %v", err)
	}
	if got.Status != models.DealStatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if h.gateway.transfers() != 1 {
		t.Fatalf("transfers = %d, want 1", h.gateway.transfers())
	}

	// Duplicate invocations never send a second transfer.
	again, err := h.svc.ReleaseFunds(context.Background(), deal.ID, nil)
	if err != nil {
		t.Fatalf("repeat ReleaseFunds: %v", err)
	}
	if again.Status != models.DealStatusCompleted {
		t.Errorf("repeat status = %q", again.Status)
	}
	if h.gateway.transfers() != 1 {
		t.Errorf("transfers after repeat = %d, want 1", h.gateway.transfers())
	}

	// 5 TON at 500 bps: 4.75 to the owner plus 0.25 fee entry.
	entries, _ := h.escrow.ListLedgerByDeal(context.Background(), deal.ID)
	var release, fee *models.LedgerEntry
	for i := range entries {
		switch entries[i].EntryType {
		case models.LedgerEntryRelease:
			release = &entries[i]
		case models.LedgerEntryFee:
			fee = &entries[i]
		}
	}
	if release == nil || release.AmountTON != "4.75" || release.Status != models.LedgerStatusConfirmed {
		t.Errorf("release entry = %+v", release)
	}
	if fee == nil || fee.AmountTON != "0.25" {
		t.Errorf("fee entry = %+v", fee)
	}
}

func TestReleaseTransferFailureLeavesPendingLedger(t *testing.T) {
	h := newHarness()
	deal := h.seedDeal(models.DealStatusVerified, withEscrow("EQescrow"), withOwnerWallet("EQowner"), paymentConfirmed)
	h.escrow.wallets[deal.ID] = &models.EscrowWallet{DealID: deal.ID, Address: "EQescrow", EncryptedSeed: "sealed"}
	h.gateway.transferErr = errors.New("lite server timeout")

	_, err := h.svc.ReleaseFunds(context.Background(), deal.ID, nil)
	if err == nil {
		t.Fatal("expected transfer error")
	}

	// The deal is already completed so a retry can never double-send;
	// the pending ledger row marks the payout for operator follow-up.
	got, _ := h.deals.GetByID(context.Background(), deal.ID)
	if got.Status != models.DealStatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	entries, _ := h.escrow.ListLedgerByDeal(context.Background(), deal.ID)
	if len(entries) != 1 || entries[0].Status != models.LedgerStatusPending {
		t.Errorf("ledger = %+v, want one pending release entry", entries)
	}
}

func TestDecline(t *testing.T) {
	h := newHarness()
	owner := int64(10)

	deal := h.seedDeal(models.DealStatusNegotiating)
	got, err := h.svc.Decline(context.Background(), deal.ID, &owner, "rate too low")
	if err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if got.Status != models.DealStatusDeclined {
		t.Errorf("status = %q, want declined", got.Status)
	}
	if got.DeclineReason == nil || *got.DeclineReason != "rate too low" {
		t.Error("decline reason not recorded")
	}

	posted := h.seedDeal(models.DealStatusPosted)
	_, err = h.svc.Decline(context.Background(), posted.ID, &owner, "no")
	if _, ok := domain.IsInvalidTransition(err); !ok {
		t.Errorf("declining a posted deal: err = %v, want InvalidTransitionError", err)
	}
}

func TestInvalidTransitionCarriesCurrentStatus(t *testing.T) {
	h := newHarness()
	deal := h.seedDeal(models.DealStatusCompleted)

	_, err := h.svc.ReleaseFunds(context.Background(), deal.ID, nil)
	if err != nil {
		t.Fatalf("release on completed should be idempotent, got %v", err)
	}

	declined := h.seedDeal(models.DealStatusDeclined)
	_, err = h.svc.ConfirmPayment(context.Background(), declined.ID)
	var tErr *domain.InvalidTransitionError
	if !errors.As(err, &tErr) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
	if tErr.Current != models.DealStatusDeclined {
		t.Errorf("Current = %q, want declined", tErr.Current)
	}
}

func TestCreateDealValidation(t *testing.T) {
	h := newHarness()

	if _, err := h.svc.CreateDeal(context.Background(), CreateDealInput{
		DealType: models.DealTypeListing, AdFormat: "banner", PriceTON: "5",
	}); err == nil {
		t.Error("invalid ad format accepted")
	}

	if _, err := h.svc.CreateDeal(context.Background(), CreateDealInput{
		DealType: models.DealTypeListing, AdFormat: models.AdFormatPost, PriceTON: "-1",
	}); err == nil {
		t.Error("negative price accepted")
	}

	deal, err := h.svc.CreateDeal(context.Background(), CreateDealInput{
		DealType:       models.DealTypeListing,
		ChannelID:      -100,
		ChannelOwnerID: 10,
		AdvertiserID:   20,
		AdFormat:       models.AdFormatPost,
		PriceTON:       "12.5",
		Brief:          "two posts about the launch",
	})
	if err != nil {
		t.Fatalf("CreateDeal: %v", err)
	}
	if deal.Status != models.DealStatusPending {
		t.Errorf("status = %q, want pending", deal.Status)
	}
	msgs, _ := h.msgs.ListByDeal(context.Background(), deal.ID, 10, 0)
	if len(msgs) != 1 {
		t.Errorf("brief message count = %d, want 1", len(msgs))
	}
}
