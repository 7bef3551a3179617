package dispatch

// Result is the envelope a successful submission produces. It is a
// sealed union; the concrete type follows the strategy (and, for
// custom searches, the selection cardinality and display format).
type Result interface {
	result()
}

// SourceResult is one provider's contribution to a fan-out. Exactly one
// of ResultText and Err is meaningful.
type SourceResult struct {
	ProviderName string `json:"providerName"`
	ResultText   string `json:"resultText,omitempty"`
	Err          string `json:"error,omitempty"`
}

// StandardResult is the first successful answer of the rank walk.
type StandardResult struct {
	ProviderName string `json:"providerName"`
	ResultText   string `json:"resultText"`
}

// MultiSourceResult keeps every provider's outcome in rank order.
// AllFailed marks a fan-out where no provider answered.
type MultiSourceResult struct {
	Sources   []SourceResult `json:"sources"`
	AllFailed bool           `json:"allFailed,omitempty"`
}

// SummaryResult is a two-phase digest: fan-out context plus the
// primary's summary of it. Text may be a degraded notice when no
// context could be gathered.
type SummaryResult struct {
	SummarizerName string         `json:"summarizerName"`
	Style          string         `json:"style,omitempty"`
	Text           string         `json:"text"`
	Sources        []SourceResult `json:"sources"`
	Degraded       bool           `json:"degraded,omitempty"`
}

// ConflictResult is the primary's comparison of the fan-out answers,
// or the single-result notice when only one source answered. Failed
// marks a check where no source answered; the raw entries stay
// attached so the per-provider errors remain visible.
type ConflictResult struct {
	AnalyzerName string         `json:"analyzerName"`
	Analysis     string         `json:"analysis"`
	Sources      []SourceResult `json:"sources"`
	SingleSource bool           `json:"singleSource,omitempty"`
	Failed       bool           `json:"failed,omitempty"`
}

func (StandardResult) result()    {}
func (MultiSourceResult) result() {}
func (SummaryResult) result()     {}
func (ConflictResult) result()    {}
