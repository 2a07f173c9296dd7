package harness

// TraceEvent records one executed flow step and the state right after it.
type TraceEvent struct {
	Seq       int64   `json:"seq"`
	Op        string  `json:"op"`
	RequestID int64   `json:"request_id,omitempty"`
	Result    string  `json:"result"`
	Queue     []int64 `json:"queue"`
	Ongoing   int64   `json:"ongoing,omitempty"`
	Degraded  bool    `json:"degraded,omitempty"`
}

// FinalState is the manager and store state when the flow ends.
type FinalState struct {
	Queue            []int64 `json:"queue"`
	Ongoing          int64   `json:"ongoing"`
	PersistedQueue   []int64 `json:"persisted_queue"`
	PersistedOngoing int64   `json:"persisted_ongoing"`
	Degraded         bool    `json:"degraded"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all expect clauses and assertions match.
	Pass bool `json:"pass"`

	// Trace contains one event per flow step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State is the final state used by state assertions.
	State FinalState `json:"state"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends an event to the trace.
func (r *Result) AddTrace(e TraceEvent) {
	r.Trace = append(r.Trace, e)
}
