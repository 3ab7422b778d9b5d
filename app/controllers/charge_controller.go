package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/lexflowhq/lexpay/internal/pkg/billing"
	"github.com/lexflowhq/lexpay/internal/pkg/metrics/counter"
)

// CreateChargeRequest is the body accepted by POST /create-charge.
type CreateChargeRequest struct {
	UserID      uint              `json:"user_id" validate:"required"`
	AmountCents int64             `json:"amount_cents" validate:"required,gt=0"`
	Provider    string            `json:"provider" validate:"omitempty,oneof=efi abacatepay"`
	Description string            `json:"description" validate:"max=140"`
	Payer       billing.PayerInfo `json:"payer" validate:"required"`
}

// Validate checks the request fields including the nested payer info.
func (r *CreateChargeRequest) Validate() error {
	v := validator.New()

	return v.Struct(r)
}

// ChargeController exposes charge creation to the case-management backend.
type ChargeController struct {
	svc *billing.Service
}

// NewChargeController creates a charge controller over the reconciliation service.
func NewChargeController(svc *billing.Service) *ChargeController {
	return &ChargeController{svc: svc}
}

// HandleCreateCharge processes POST /create-charge. This is the only surface
// with a human waiting synchronously, so every error maps to a distinct,
// actionable message.
func (ct *ChargeController) HandleCreateCharge(c *fiber.Ctx) error {
	var req CreateChargeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "invalid_request",
			"message": "Request body must be valid JSON",
		})
	}
	if err := req.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "validation_failed",
			"message": "Missing or invalid fields: " + err.Error(),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	result, err := ct.svc.CreateCharge(ctx, req.Provider, billing.ChargeRequest{
		UserID:      req.UserID,
		AmountCents: req.AmountCents,
		Description: req.Description,
		Payer:       req.Payer,
	})
	if err != nil {
		if cerr := counter.AddChargeFailed(req.Provider); cerr != nil {
			log.Warnf("[Charge] counter update failed: %v", cerr)
		}
		return respondChargeError(c, err)
	}

	if cerr := counter.AddChargeIssued(req.Provider); cerr != nil {
		log.Warnf("[Charge] counter update failed: %v", cerr)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"charge_id":    result.ProviderChargeID,
		"qr_payload":   result.QRCodePayload,
		"redirect_url": result.RedirectURL,
	})
}

func respondChargeError(c *fiber.Ctx, err error) error {
	var authErr *billing.AuthError
	var provErr *billing.ProviderError
	var persistErr *billing.PersistenceError

	switch {
	case errors.Is(err, billing.ErrUnknownProvider):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "unknown_provider",
			"message": "The requested payment provider is not configured",
		})
	case errors.Is(err, billing.ErrPendingChargeExists):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":   "pending_charge_exists",
			"message": "An earlier charge for this user is still awaiting payment",
		})
	case errors.As(err, &authErr):
		log.Errorf("[Charge] provider auth failed: %v", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":   "provider_unavailable",
			"message": "Payment provider authentication failed, retry shortly",
		})
	case errors.As(err, &provErr):
		log.Errorf("[Charge] provider rejected charge: %v", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":   "provider_rejected",
			"message": "Payment provider rejected the charge request",
		})
	case errors.As(err, &persistErr):
		// The provider accepted the charge but the store write failed. This
		// is a reconciliation risk the logs already flagged.
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "persistence_failed",
			"message": "Charge was created but could not be recorded; support has been notified",
		})
	default:
		log.Errorf("[Charge] charge creation failed: %v", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error":   "provider_unavailable",
			"message": "Payment provider unavailable, retry shortly",
		})
	}
}
