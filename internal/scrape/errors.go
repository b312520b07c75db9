package scrape

import "errors"

// Sentinel errors shared across subsystems.
var (
	// ErrNoTask means no row is currently eligible for claiming.
	ErrNoTask = errors.New("no claimable task")
	// ErrTaskNotFound means the requested task id does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrNotResumable means a resume was requested for a task that is not
	// parked on a captcha.
	ErrNotResumable = errors.New("task is not awaiting captcha resolution")
	// ErrBreakerOpen is the synthetic failure returned when the circuit
	// breaker short-circuits a request without touching the network.
	ErrBreakerOpen = errors.New("circuit breaker open")
	// ErrCaptchaSessionLost means the parked session referenced by a resume
	// cannot be found in this process. Resuming with a fresh session would not
	// be past the captcha, so this is terminal for the resume attempt.
	ErrCaptchaSessionLost = errors.New("captcha_session_lost")
)
