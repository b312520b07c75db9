// Package scrape defines core types shared across subsystems.
package scrape

import (
	"time"
)

// TaskStatus represents the lifecycle state of a scrape task.
type TaskStatus string

// Task status values persisted in the task store.
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusError      TaskStatus = "error"
	TaskStatusCaptcha    TaskStatus = "captcha"
)

// CaptchaStatus tracks where a parked captcha task sits in the human-resolution flow.
type CaptchaStatus string

// Captcha status values. Empty string means no captcha is in play.
const (
	CaptchaStatusWaiting CaptchaStatus = "waiting"
	CaptchaStatusResumed CaptchaStatus = "resumed"
	CaptchaStatusExpired CaptchaStatus = "expired"
)

// Task is one unit of scrape work tracked through the worker state machine.
// Row layout mirrors the operator tooling's expectations, so fields here map
// one-to-one onto task store columns.
type Task struct {
	ID           string     `json:"id"`
	URL          string     `json:"url"`
	Status       TaskStatus `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Attempts     int        `json:"attempts"`
	RetryAfter   *time.Time `json:"retry_after,omitempty"`

	CaptchaRequired  bool          `json:"captcha_required"`
	CaptchaURL       string        `json:"captcha_url,omitempty"`
	CaptchaSessionID string        `json:"captcha_session_id,omitempty"`
	CaptchaStartedAt *time.Time    `json:"captcha_started_at,omitempty"`
	CaptchaStatus    CaptchaStatus `json:"captcha_status,omitempty"`
	ResumeRequested  bool          `json:"resume_requested"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ClearCaptcha resets every captcha_* field in one place so the invariants
// around them cannot drift between the resume, expiry and completion paths.
func (t *Task) ClearCaptcha() {
	t.CaptchaRequired = false
	t.CaptchaURL = ""
	t.CaptchaSessionID = ""
	t.CaptchaStartedAt = nil
	t.CaptchaStatus = ""
	t.ResumeRequested = false
}

// ParseResult is one extraction outcome with provenance. Data keys are the
// listing field names; Source is a tag such as "api", "html" or "metadata"
// (composite after merging, joined with "+").
type ParseResult struct {
	Data         map[string]any `json:"data"`
	Source       string         `json:"source"`
	QualityScore int            `json:"quality_score"`
}

// ValidationResult reports required-field coverage for a merged payload.
// QualityScore is |found required| / |all required| in [0, 1].
type ValidationResult struct {
	FoundFields   []string `json:"found_fields"`
	MissingFields []string `json:"missing_fields"`
	HardMissing   []string `json:"hard_missing"`
	Warnings      []string `json:"warnings"`
	QualityScore  float64  `json:"quality_score"`
}

// CaptchaSignal is raised by an extractor when the upstream interposes a
// challenge page instead of listing data.
type CaptchaSignal struct {
	URL string
}

// Extraction is the result of one extractor invocation: one or more
// source-tagged ParseResults, or a captcha signal. Results may accompany a
// captcha signal when some sources landed before the challenge; the worker
// keeps them as partials and merges them into the post-resume result.
type Extraction struct {
	Results []ParseResult
	Captcha *CaptchaSignal
}

// BreakerState is the persisted fault state for one named upstream API.
type BreakerState struct {
	APIName         string     `json:"api_name"`
	State           string     `json:"state"`
	FailureCount    int        `json:"failure_count"`
	SuccessCount    int        `json:"success_count"`
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`
}

// TaskResult is what the worker archives and publishes for a completed task.
type TaskResult struct {
	TaskID     string           `json:"task_id"`
	URL        string           `json:"url"`
	Merged     ParseResult      `json:"merged"`
	Validation ValidationResult `json:"validation"`
	FinishedAt time.Time        `json:"finished_at"`
}
