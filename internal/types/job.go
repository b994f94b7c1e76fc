package types

import "time"

// Job is the unit of work: one uploaded image routed through one or more
// advisors. Persisted by the store; owned by the job engine.
type Job struct {
	ID            string   `json:"job_id"`
	ImagePath     string   `json:"image_path"`
	AdvisorIDs    []string `json:"advisor_ids"`
	RequestedMode Mode     `json:"requested_mode"`
	// ModeUsed is set exactly once by the dispatcher and never re-written.
	ModeUsed Mode   `json:"mode_used,omitempty"`
	Status   Status `json:"status"`
	Phase    Phase  `json:"phase,omitempty"`
	// Percentage is monotonic non-decreasing; the store clamps regressions.
	Percentage     int                `json:"percentage"`
	CurrentStep    string             `json:"current_step,omitempty"`
	LastThinking   string             `json:"llm_thinking,omitempty"`
	CurrentAdvisor int                `json:"current_advisor"`
	TotalAdvisors  int                `json:"total_advisors"`
	ErrorKind      ErrorKind          `json:"error_kind,omitempty"`
	ErrorMessage   string             `json:"error_message,omitempty"`
	RenderedOutput string             `json:"-"`
	Results        map[string]*Result `json:"results,omitempty"`
	StatusHistory  []StatusChange     `json:"status_history,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
	LastActivity   time.Time          `json:"last_activity"`
}

// Terminal reports whether the job reached done or error.
func (j *Job) Terminal() bool { return j.Status.Terminal() }

// StatusChange is one audit entry in a job's status history, appended by the
// store whenever status, phase, or current advisor changes.
type StatusChange struct {
	Status         Status    `json:"status"`
	Phase          Phase     `json:"phase,omitempty"`
	CurrentAdvisor int       `json:"current_advisor"`
	Percentage     int       `json:"percentage"`
	At             time.Time `json:"at"`
}

// JobPatch is a partial mutation applied atomically by the store. Nil fields
// are left untouched.
type JobPatch struct {
	Status         *Status
	Phase          *Phase
	Percentage     *int
	CurrentStep    *string
	LastThinking   *string
	CurrentAdvisor *int
	TotalAdvisors  *int
	ModeUsed       *Mode
	ErrorKind      *ErrorKind
	ErrorMessage   *string
	RenderedOutput *string
	Result         *AdvisorResult
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// AdvisorResult attaches one advisor's finished result to a job.
type AdvisorResult struct {
	AdvisorID string
	Result    *Result
}

// Ptr returns a pointer to v. Convenience for building JobPatch literals.
func Ptr[T any](v T) *T { return &v }
