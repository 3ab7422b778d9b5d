package controllers

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/lexflowhq/lexpay/internal/pkg/billing"
	"github.com/lexflowhq/lexpay/internal/pkg/mail"
	"github.com/lexflowhq/lexpay/internal/pkg/metrics/counter"
)

// WebhookController receives provider payment notifications and drives them
// through authenticate -> normalize -> reconcile.
type WebhookController struct {
	svc *billing.Service
}

// NewWebhookController creates a webhook controller over the reconciliation service.
func NewWebhookController(svc *billing.Service) *WebhookController {
	return &WebhookController{svc: svc}
}

// HandleProviderWebhook processes POST /webhook/:provider.
//
// Authentication runs first and unconditionally; it is the only path that
// rejects a delivery. Every other outcome acknowledges with 200 so the
// provider never enters a redelivery storm: ignored and duplicate events are
// normal, and a persistence failure is logged for operator follow-up and
// resolved by redelivery or replay.
func (ct *WebhookController) HandleProviderWebhook(c *fiber.Ctx) error {
	providerName := c.Params("provider")
	provider, err := ct.svc.Registry().Get(providerName)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown provider"})
	}

	if !billing.AuthenticateWebhook(c.Query("secret"), provider.WebhookSecret()) {
		if err := counter.AddWebhookUnauthorized(provider.Name()); err != nil {
			log.Warnf("[Webhook] counter update failed: %v", err)
		}
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid webhook secret"})
	}

	rawBody := append([]byte(nil), c.BodyRaw()...)
	events, parseErr := provider.ParseWebhook(rawBody)
	if parseErr != nil || len(events) == 0 {
		// Malformed or non-terminal payloads are acknowledged, never raised.
		log.Infof("[Webhook] ignoring %s delivery (%d bytes)", provider.Name(), len(rawBody))
		if err := counter.AddWebhookIgnored(provider.Name()); err != nil {
			log.Warnf("[Webhook] counter update failed: %v", err)
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"success": true, "ignored": true})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	applied := 0
	for _, event := range events {
		result, err := ct.svc.Apply(ctx, event)
		if err != nil {
			// The provider considers this delivered; we know it is not fully
			// reconciled. Alert loudly instead of forcing redelivery loops.
			log.Errorf("[Webhook] reconciliation failed for %s charge %s: %v",
				event.Provider, event.ProviderChargeID, err)
			go func(ev billing.CanonicalEvent, applyErr error) {
				_ = mail.SendOperatorAlert(
					fmt.Sprintf("Reconciliation failure: %s charge %s", ev.Provider, ev.ProviderChargeID),
					fmt.Sprintf("Applying a %s event failed and needs follow-up.<br>Error: %v", ev.Outcome, applyErr),
				)
			}(event, err)
			continue
		}
		if result.Status == billing.ApplyApplied {
			applied++
			if result.Activated && result.PayerEmail != "" {
				// Receipt delivery never holds up the acknowledgment.
				go func(to string, dueAt *time.Time) {
					body := "Seu pagamento foi confirmado e sua assinatura está ativa."
					if dueAt != nil {
						body += fmt.Sprintf("<br>Próxima cobrança: %s.", dueAt.Format("02/01/2006"))
					}
					_ = mail.SendMail(to, "Pagamento confirmado", body)
				}(result.PayerEmail, result.NextDueAt)
			}
		}
	}

	if err := counter.AddWebhookProcessed(provider.Name()); err != nil {
		log.Warnf("[Webhook] counter update failed: %v", err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"success": true, "applied": applied})
}
