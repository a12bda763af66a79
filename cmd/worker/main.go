package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/miner-sl/ad-marketplace-sub000/internal/config"
	"github.com/miner-sl/ad-marketplace-sub000/internal/db"
	"github.com/miner-sl/ad-marketplace-sub000/internal/domain"
	"github.com/miner-sl/ad-marketplace-sub000/internal/events"
	"github.com/miner-sl/ad-marketplace-sub000/internal/lock"
	"github.com/miner-sl/ad-marketplace-sub000/internal/models"
	"github.com/miner-sl/ad-marketplace-sub000/internal/postcheck"
	"github.com/miner-sl/ad-marketplace-sub000/internal/repositories"
	"github.com/miner-sl/ad-marketplace-sub000/internal/services"
	"github.com/miner-sl/ad-marketplace-sub000/internal/ton"
	"go.uber.org/zap"
)

const scanLimit = 100

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	gateway, err := ton.Connect(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to connect to TON", zap.Error(err))
	}

	// Repos
	dealRepo := repositories.NewDealRepo(pool)
	creativeRepo := repositories.NewCreativeRepo(pool)
	messageRepo := repositories.NewMessageRepo(pool)
	escrowRepo := repositories.NewEscrowRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	// Services
	publisher := events.NewRedisPublisher(rdb, log)
	botClient := services.NewBotClient(cfg.BotInternalURL, log)
	notifier := services.NewNotifier(botClient, publisher, log)
	locker := lock.NewLocker(rdb, log)
	dealService := services.NewDealService(
		dealRepo, creativeRepo, messageRepo, escrowRepo, auditRepo,
		gateway, botClient, services.NewRedisLocker(locker), notifier, cfg, log,
	)
	checker := postcheck.NewChecker(cfg.TMEFetchTimeout, cfg.TMEFetchMaxRetries, log)

	w := &worker{
		cfg:      cfg,
		log:      log,
		locker:   locker,
		deals:    dealRepo,
		svc:      dealService,
		bot:      botClient,
		checker:  checker,
		notifier: notifier,
	}

	log.Info("worker started")

	paymentTicker := time.NewTicker(cfg.PaymentCheckInterval)
	publishTicker := time.NewTicker(cfg.AutoPublishInterval)
	verifyTicker := time.NewTicker(cfg.VerificationInterval)
	releaseTicker := time.NewTicker(cfg.AutoReleaseInterval)
	expiryTicker := time.NewTicker(cfg.ExpiryInterval)
	defer paymentTicker.Stop()
	defer publishTicker.Stop()
	defer verifyTicker.Stop()
	defer releaseTicker.Stop()
	defer expiryTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-paymentTicker.C:
			w.elected(ctx, "payment_check", w.runPaymentChecks)
		case <-publishTicker.C:
			w.elected(ctx, "auto_publish", w.runAutoPublish)
		case <-verifyTicker.C:
			w.elected(ctx, "verification", w.runVerification)
		case <-releaseTicker.C:
			w.elected(ctx, "auto_release", w.runAutoRelease)
		case <-expiryTicker.C:
			w.elected(ctx, "expiry", w.runExpiry)
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

type worker struct {
	cfg      *config.Config
	log      *zap.Logger
	locker   *lock.Locker
	deals    *repositories.DealRepo
	svc      *services.DealService
	bot      *services.BotClient
	checker  *postcheck.Checker
	notifier *services.Notifier
}

// elected runs one scheduler pass if this replica wins the per-pass
// election. Losing is normal with multiple workers; a lost lease mid-pass
// only means a duplicate pass, and every job is idempotent per deal.
func (w *worker) elected(ctx context.Context, name string, pass func(ctx context.Context)) {
	lease, err := w.locker.Acquire(ctx, lock.SchedulerKey(name), w.cfg.LockTTL)
	if err != nil {
		if !errors.Is(err, domain.ErrLockBusy) {
			w.log.Error("scheduler election failed", zap.String("scheduler", name), zap.Error(err))
		}
		return
	}
	defer lease.Release(ctx)

	pass(ctx)
}

func (w *worker) runPaymentChecks(ctx context.Context) {
	deals, err := w.deals.ListAwaitingPayment(ctx, scanLimit)
	if err != nil {
		w.log.Error("failed to list deals awaiting payment", zap.Error(err))
		return
	}

	for _, deal := range deals {
		_, err := w.svc.ConfirmPayment(ctx, deal.ID)
		switch {
		case err == nil:
			w.log.Info("payment confirmed", zap.String("deal_id", deal.ID.String()))
		case domain.IsRetryableVerification(err):
			// No deposit yet; next pass will look again.
		default:
			w.log.Error("payment check failed", zap.String("deal_id", deal.ID.String()), zap.Error(err))
		}
	}
}

func (w *worker) runAutoPublish(ctx context.Context) {
	deals, err := w.deals.ListDueForPublish(ctx, scanLimit)
	if err != nil {
		w.log.Error("failed to list deals due for publish", zap.Error(err))
		return
	}

	for _, deal := range deals {
		if _, err := w.svc.Publish(ctx, deal.ID, nil); err != nil {
			w.log.Error("auto-publish failed", zap.String("deal_id", deal.ID.String()), zap.Error(err))
			continue
		}
		w.log.Info("deal auto-published", zap.String("deal_id", deal.ID.String()))
	}
}

func (w *worker) runVerification(ctx context.Context) {
	deals, err := w.deals.ListPostedForVerification(ctx, scanLimit)
	if err != nil {
		w.log.Error("failed to list posted deals", zap.Error(err))
		return
	}

	for _, deal := range deals {
		exists, liveText, err := w.postExists(ctx, &deal)
		if err != nil {
			// Indeterminate checks never trigger a refund; re-check next
			// pass instead.
			w.log.Warn("post check inconclusive",
				zap.String("deal_id", deal.ID.String()), zap.Error(err))
			continue
		}

		if exists && liveText != "" {
			w.checkEdited(ctx, &deal, liveText)
		}

		if _, err := w.svc.RunVerification(ctx, deal.ID, exists); err != nil {
			w.log.Error("verification failed", zap.String("deal_id", deal.ID.String()), zap.Error(err))
		}

		time.Sleep(time.Second) // rate limiting against t.me and the bot
	}
}

// checkEdited compares the live post text against the approved creative.
// An edited post is flagged to the advertiser for dispute, not refunded:
// the heuristic scrape cannot tell a malicious rewrite from a typo fix.
func (w *worker) checkEdited(ctx context.Context, deal *models.Deal, liveText string) {
	creative, err := w.svc.GetLatestCreative(ctx, deal.ID)
	if err != nil || creative == nil || creative.Text == "" {
		return
	}

	liveHash := sha256.Sum256([]byte(strings.TrimSpace(liveText)))
	wantHash := sha256.Sum256([]byte(strings.TrimSpace(creative.Text)))
	if liveHash == wantHash {
		return
	}

	w.log.Warn("published post text differs from approved creative",
		zap.String("deal_id", deal.ID.String()),
		zap.String("post_ref", strPtrOr(deal.PostMessageRef, "")))
	w.notifier.Notify(ctx, "post_edited", deal.AdvertiserID, map[string]any{
		"deal_id": deal.ID.String(),
	})
}

func strPtrOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

// postExists resolves whether the published message is still up. Bot mode
// asks the bot service and falls back to the t.me scrape when the bot has
// lost channel access; heuristic mode scrapes only. The second return is
// the visible post text when the scrape saw it (the bot path has none).
func (w *worker) postExists(ctx context.Context, deal *models.Deal) (bool, string, error) {
	if deal.PostMessageRef == nil {
		return false, "", fmt.Errorf("deal has no post reference")
	}
	ref := *deal.PostMessageRef

	if w.cfg.PostVerifyMode == config.VerifyModeBot {
		res, err := w.bot.PostExists(ctx, deal.ChannelID, ref)
		if err == nil && res.HasAccess {
			return res.Exists, "", nil
		}
		if err != nil {
			w.log.Warn("bot post check failed, trying t.me scrape",
				zap.String("deal_id", deal.ID.String()), zap.Error(err))
		}
	}

	// The scrape needs a public t.me path: "<channel>/<message>".
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 {
		return false, "", fmt.Errorf("post reference %q is not a public t.me path", ref)
	}
	res, err := w.checker.CheckPost(ctx, parts[0], parts[1])
	if err != nil {
		return false, "", err
	}
	return res.Exists, res.Text, nil
}

func (w *worker) runAutoRelease(ctx context.Context) {
	deals, err := w.deals.ListVerifiedOlderThan(ctx, w.cfg.AutoReleaseTimeout, scanLimit)
	if err != nil {
		w.log.Error("failed to list verified deals", zap.Error(err))
		return
	}

	for _, deal := range deals {
		if _, err := w.svc.ReleaseFunds(ctx, deal.ID, nil); err != nil {
			w.log.Error("auto-release failed", zap.String("deal_id", deal.ID.String()), zap.Error(err))
			continue
		}
		w.log.Info("funds auto-released", zap.String("deal_id", deal.ID.String()))
	}
}

func (w *worker) runExpiry(ctx context.Context) {
	deals, err := w.deals.ListInactive(ctx, w.cfg.DealInactivityTimeout, scanLimit)
	if err != nil {
		w.log.Error("failed to list inactive deals", zap.Error(err))
		return
	}

	for _, deal := range deals {
		if _, err := w.svc.Decline(ctx, deal.ID, nil, "expired due to inactivity"); err != nil {
			w.log.Error("expiry decline failed", zap.String("deal_id", deal.ID.String()), zap.Error(err))
			continue
		}
		w.log.Info("inactive deal declined", zap.String("deal_id", deal.ID.String()))
	}
}
