package billing

// EventOutcome classifies a normalized charge notification.
type EventOutcome string

const (
	OutcomeConfirmed EventOutcome = "confirmed"
	OutcomeFailed    EventOutcome = "failed"
)

// CanonicalEvent is the provider-agnostic shape of one charge outcome. The
// provider-specific normalizers map their heterogeneous payloads into this
// before anything reaches the reconciliation service.
type CanonicalEvent struct {
	Provider         string
	ProviderChargeID string
	AmountCents      int64
	Outcome          EventOutcome
	RawSnapshot      string
}

// PayerInfo carries the payer identification a PIX charge needs.
type PayerInfo struct {
	Name  string `json:"name" validate:"required,min=2,max=150"`
	TaxID string `json:"tax_id" validate:"required,min=11,max=14,numeric"`
	Email string `json:"email" validate:"omitempty,email,max=200"`
}

// ChargeRequest describes one charge to open against a provider. Renewal
// marks charges opened by the sweep, which changes the audit event type.
type ChargeRequest struct {
	UserID      uint
	AmountCents int64
	Description string
	Payer       PayerInfo
	Renewal     bool
}

// ChargeResult is what a provider hands back for a freshly created charge:
// the charge id reconciliation will later be keyed on, plus the payer-facing
// artifact (copy-and-paste PIX code and/or a hosted redirect URL).
type ChargeResult struct {
	ProviderChargeID string
	QRCodePayload    string
	RedirectURL      string
	RawResponse      string
}
