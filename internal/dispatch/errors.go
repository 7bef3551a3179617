package dispatch

import "fmt"

// Kind classifies a submission failure that happened before or instead
// of producing a result envelope. Per-provider call failures never get
// a Kind; they ride inside the envelopes.
type Kind string

const (
	// KindNoUsableProviders means no config has an api key at all.
	KindNoUsableProviders Kind = "no_usable_providers"
	// KindAllQuotasExhausted means keyed configs exist but every one is
	// over its daily quota.
	KindAllQuotasExhausted Kind = "all_quotas_exhausted"
	// KindPrimaryMissing means a two-phase strategy needed the rank 0
	// config and none of the usable set holds that rank.
	KindPrimaryMissing Kind = "primary_missing"
	// KindEmptyCustomSelection means a custom search selected nothing,
	// or nothing usable.
	KindEmptyCustomSelection Kind = "empty_custom_selection"
	// KindBusy means a submission was already in flight.
	KindBusy Kind = "busy"
)

// Attempt records one failed provider call kept for diagnosis.
type Attempt struct {
	ProviderName string
	Message      string
}

// Error is a typed submission failure.
type Error struct {
	Kind     Kind
	Message  string
	Attempts []Attempt
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch: %s: %s", e.Kind, e.Message)
}

func newError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}
