package billing

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is returned when a webhook request fails shared-secret
// authentication. It is the only error that translates to a rejection
// response on the webhook surface.
var ErrUnauthorized = errors.New("webhook authentication failed")

// ErrUnknownProvider is returned for a provider id with no registered client.
var ErrUnknownProvider = errors.New("unknown payment provider")

// ErrPendingChargeExists is returned when charge creation is refused because
// the user already has an open charge awaiting settlement.
var ErrPendingChargeExists = errors.New("a pending charge already exists for this user")

// AuthError means the credential exchange with a provider exhausted its
// retries. The in-flight operation fails; no local state is touched.
type AuthError struct {
	Provider string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s credential exchange failed: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ProviderError means the provider could not serve the request. 4xx
// responses land here immediately with the status and body; transport
// failures and 5xx responses land here after retries exhaust, with Err
// wrapping the last failure.
type ProviderError struct {
	Provider string
	Status   int
	Body     string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s rejected request: status=%d body=%s", e.Provider, e.Status, e.Body)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// PersistenceError means a store write failed after the provider accepted a
// charge. The provider now holds state the local store does not fully
// reflect, which requires manual follow-up.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
