package billing

import (
	"crypto/subtle"
	"strings"
)

// AuthenticateWebhook compares the secret presented on an inbound webhook
// call against the provider's configured shared secret. This is the sole
// perimeter defense against forged payment confirmations, so it must run
// before any state-changing work on every delivery.
//
// The comparison is constant-time; an empty configured secret never
// authenticates anything.
func AuthenticateWebhook(presented, configured string) bool {
	presented = strings.TrimSpace(presented)
	configured = strings.TrimSpace(configured)
	if presented == "" || configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}
