package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/miner-sl/ad-marketplace-sub000/internal/domain"
	"github.com/miner-sl/ad-marketplace-sub000/internal/http/dto"
	"github.com/miner-sl/ad-marketplace-sub000/internal/middleware"
	"github.com/miner-sl/ad-marketplace-sub000/internal/models"
	"github.com/miner-sl/ad-marketplace-sub000/internal/repositories"
	"github.com/miner-sl/ad-marketplace-sub000/internal/services"
	"go.uber.org/zap"
)

type DealHandler struct {
	dealService *services.DealService
	log         *zap.Logger
}

func NewDealHandler(dealService *services.DealService, log *zap.Logger) *DealHandler {
	return &DealHandler{dealService: dealService, log: log}
}

// respondErr maps domain errors to HTTP statuses. Conflicting state and
// busy locks are 409 so clients know a retry may succeed after re-reading.
func respondErr(c *fiber.Ctx, err error) error {
	if _, ok := domain.IsInvalidTransition(err); ok {
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: err.Error()})
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "deal not found"})
	case errors.Is(err, domain.ErrUnauthorized):
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "not allowed"})
	case errors.Is(err, domain.ErrLockBusy):
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: "operation in progress, retry shortly"})
	case domain.IsRetryableVerification(err):
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: err.Error()})
	default:
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}
}

func parseDealID(c *fiber.Ctx) (uuid.UUID, error) {
	return uuid.Parse(c.Params("id"))
}

// partyDeal loads the deal and verifies the caller is one of its two
// parties. Read endpoints go through this so a deal UUID alone never
// exposes terms, chat, or money movements to a third party.
func (h *DealHandler) partyDeal(c *fiber.Ctx, id uuid.UUID) (*models.Deal, error) {
	deal, err := h.dealService.GetDeal(c.Context(), id)
	if err != nil {
		return nil, err
	}
	userID := middleware.GetUserID(c)
	if userID != deal.AdvertiserID && userID != deal.ChannelOwnerID {
		return nil, domain.ErrUnauthorized
	}
	return deal, nil
}

func (h *DealHandler) CreateDeal(c *fiber.Ctx) error {
	var req dto.CreateDealRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}
	if req.AdFormat == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "ad_format is required (post, repost, story)"})
	}

	in := services.CreateDealInput{
		DealType:          req.DealType,
		ChannelID:         req.ChannelID,
		ChannelOwnerID:    req.ChannelOwnerID,
		AdvertiserID:      middleware.GetUserID(c),
		AdFormat:          req.AdFormat,
		PriceTON:          req.PriceTON,
		Brief:             req.Brief,
		ScheduledPostTime: req.ScheduledPostTime,
	}
	if req.ListingID != nil {
		id, err := uuid.Parse(*req.ListingID)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid listing_id"})
		}
		in.ListingID = &id
	}
	if req.CampaignID != nil {
		id, err := uuid.Parse(*req.CampaignID)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid campaign_id"})
		}
		in.CampaignID = &id
	}

	deal, err := h.dealService.CreateDeal(c.Context(), in)
	if err != nil {
		return respondErr(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) GetDeal(c *fiber.Ctx) error {
	id, err := parseDealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}

	deal, err := h.partyDeal(c, id)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) ListDeals(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)
	filter := repositories.DealFilter{Limit: 20}

	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}
	if v := c.Query("status"); v != "" {
		filter.Status = &v
	}

	switch c.Query("role") {
	case "owner":
		filter.ChannelOwnerID = &userID
	default:
		filter.AdvertiserID = &userID
	}

	deals, err := h.dealService.ListDeals(c.Context(), filter)
	if err != nil {
		h.log.Error("list deals failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deals})
}

func (h *DealHandler) SendFeedback(c *fiber.Ctx) error {
	id, err := parseDealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}
	var req dto.MessageRequest
	if err := c.BodyParser(&req); err != nil || req.Text == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "text is required"})
	}

	deal, err := h.dealService.SendOwnerFeedback(c.Context(), id, middleware.GetUserID(c), req.Text)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) AddMessage(c *fiber.Ctx) error {
	id, err := parseDealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}
	var req dto.MessageRequest
	if err := c.BodyParser(&req); err != nil || req.Text == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "text is required"})
	}

	msg, err := h.dealService.AddMessage(c.Context(), id, middleware.GetUserID(c), req.Text)
	if err != nil {
		return respondErr(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: msg})
}

func (h *DealHandler) GetMessages(c *fiber.Ctx) error {
	id, err := parseDealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}

	limit, offset := 50, 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}

	if _, err := h.partyDeal(c, id); err != nil {
		return respondErr(c, err)
	}

	msgs, err := h.dealService.GetMessages(c.Context(), id, limit, offset)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: msgs})
}

func (h *DealHandler) AcceptDeal(c *fiber.Ctx) error {
	id, err := parseDealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}

	deal, err := h.dealService.Accept(c.Context(), id, middleware.GetUserID(c))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) DeclineDeal(c *fiber.Ctx) error {
	id, err := parseDealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}
	var req dto.DeclineRequest
	_ = c.BodyParser(&req)
	if req.Reason == "" {
		req.Reason = "declined by channel owner"
	}

	actor := middleware.GetUserID(c)
	deal, err := h.dealService.Decline(c.Context(), id, &actor, req.Reason)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) SetWallet(c *fiber.Ctx) error {
	id, err := parseDealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}
	var req dto.SetWalletRequest
	if err := c.BodyParser(&req); err != nil || req.Address == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "address is required"})
	}

	deal, err := h.dealService.SetOwnerWallet(c.Context(), id, middleware.GetUserID(c), req.Address)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) GetPaymentInfo(c *fiber.Ctx) error {
	id, err := parseDealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}

	deal, err := h.partyDeal(c, id)
	if err != nil {
		return respondErr(c, err)
	}
	if deal.EscrowAddress == nil {
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: "deal has no escrow address yet"})
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.PaymentInfoResponse{
		DealID:        deal.ID.String(),
		EscrowAddress: *deal.EscrowAddress,
		AmountTON:     deal.PriceTON,
		Status:        deal.Status,
	}})
}

func (h *DealHandler) ConfirmPayment(c *fiber.Ctx) error {
	id, err := parseDealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}

	deal, err := h.dealService.ConfirmPayment(c.Context(), id)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) SubmitCreative(c *fiber.Ctx) error {
	id, err := parseDealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}
	var req dto.SubmitCreativeRequest
	if err := c.BodyParser(&req); err != nil || req.Text == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "text is required"})
	}

	deal, err := h.dealService.SubmitCreative(c.Context(), id, middleware.GetUserID(c), services.SubmitCreativeInput{
		Text:          req.Text,
		MediaURLs:     req.MediaURLs,
		RepostFromURL: req.RepostFromURL,
	})
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) GetCreative(c *fiber.Ctx) error {
	id, err := parseDealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}

	if _, err := h.partyDeal(c, id); err != nil {
		return respondErr(c, err)
	}

	creative, err := h.dealService.GetLatestCreative(c.Context(), id)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: creative})
}

func (h *DealHandler) ApproveCreative(c *fiber.Ctx) error {
	id, err := parseDealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}

	deal, err := h.dealService.ApproveCreative(c.Context(), id, middleware.GetUserID(c))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) RequestRevision(c *fiber.Ctx) error {
	id, err := parseDealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}
	var req dto.RequestRevisionRequest
	_ = c.BodyParser(&req)

	deal, err := h.dealService.RequestRevision(c.Context(), id, middleware.GetUserID(c), req.Notes)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) Publish(c *fiber.Ctx) error {
	id, err := parseDealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}

	actor := middleware.GetUserID(c)
	deal, err := h.dealService.Publish(c.Context(), id, &actor)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

// ConfirmPublication is the advertiser's sign-off on a verified deal; it
// releases the escrow to the channel owner.
func (h *DealHandler) ConfirmPublication(c *fiber.Ctx) error {
	id, err := parseDealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}

	deal, err := h.dealService.ConfirmPublication(c.Context(), id, middleware.GetUserID(c))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) GetLedger(c *fiber.Ctx) error {
	id, err := parseDealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid deal id"})
	}

	if _, err := h.partyDeal(c, id); err != nil {
		return respondErr(c, err)
	}

	entries, err := h.dealService.GetLedger(c.Context(), id)
	if err != nil {
		return respondErr(c, err)
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: entries})
}
