// Package worker implements the scrape task state machine and execution loop.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/placeharvest/pipeline/internal/breaker"
	"github.com/placeharvest/pipeline/internal/merge"
	"github.com/placeharvest/pipeline/internal/metrics"
	"github.com/placeharvest/pipeline/internal/scrape"
)

// Config controls Worker behavior.
type Config struct {
	// APIName keys the circuit breaker for the upstream listing API.
	APIName string
	// CaptchaTTL bounds how long a parked session waits for a human.
	CaptchaTTL time.Duration
	// PollInterval is the idle sleep between empty claim attempts.
	PollInterval time.Duration
	// Topic for completion events; empty disables publishing.
	Topic string
	// BlobPrefix prefixes archived result objects.
	BlobPrefix string
	// ContentType of archived result objects.
	ContentType string
}

// Worker claims tasks and drives each through the scrape state machine:
// pending -> processing -> {completed | error | captcha}, with captcha rows
// resumed or expired back to pending. One Worker runs one sequential loop;
// run several Workers for parallelism, each with its own session registry.
type Worker struct {
	store     scrape.TaskStore
	breaker   *breaker.Breaker
	sessions  scrape.SessionManager
	registry  scrape.SessionRegistry
	extractor scrape.Extractor
	validator *merge.Validator
	blobStore scrape.BlobStore
	publisher scrape.Publisher
	hasher    scrape.Hasher
	clock     scrape.Clock
	backoff   *scrape.Backoff
	cfg       Config
	logger    *zap.Logger

	// partials holds ParseResults captured before a captcha park, keyed by
	// task id. Process-local by design, same locality contract as registry.
	partials map[string][]scrape.ParseResult
}

// New constructs a Worker. The registry is injected so parked-session
// locality is explicit and independent workers stay independent.
func New(
	store scrape.TaskStore,
	brk *breaker.Breaker,
	sessions scrape.SessionManager,
	registry scrape.SessionRegistry,
	extractor scrape.Extractor,
	validator *merge.Validator,
	blobStore scrape.BlobStore,
	publisher scrape.Publisher,
	hasher scrape.Hasher,
	clock scrape.Clock,
	backoff *scrape.Backoff,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.CaptchaTTL <= 0 {
		cfg.CaptchaTTL = 30 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Worker{
		store:     store,
		breaker:   brk,
		sessions:  sessions,
		registry:  registry,
		extractor: extractor,
		validator: validator,
		blobStore: blobStore,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		backoff:   backoff,
		cfg:       cfg,
		logger:    logger,
		partials:  make(map[string][]scrape.ParseResult),
	}
}

// Run blocks, claiming and processing tasks until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := w.store.ClaimNext(ctx, w.clock.Now(), w.cfg.CaptchaTTL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if err == scrape.ErrNoTask {
				metrics.ObserveClaimEmpty()
			} else {
				w.logger.Error("claim failed", zap.Error(err))
			}
			w.sleep(ctx)
			continue
		}
		w.processTask(ctx, task)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.cfg.PollInterval):
	}
}

// processTask handles one claimed task. The claim already moved the row to
// processing; the pre-claim captcha fields tell the three shapes apart.
func (w *Worker) processTask(ctx context.Context, task *scrape.Task) {
	switch {
	case task.CaptchaRequired && task.ResumeRequested:
		w.resumeTask(ctx, task)
	case task.CaptchaRequired:
		w.expireTask(ctx, task)
	default:
		w.startTask(ctx, task)
	}
}

// startTask is the pending -> processing path: breaker gate, fresh session,
// extraction.
func (w *Worker) startTask(ctx context.Context, task *scrape.Task) {
	allowed, err := w.breaker.Allow(ctx, w.cfg.APIName)
	if err != nil {
		w.logger.Error("breaker check failed", zap.String("task_id", task.ID), zap.Error(err))
		w.deferTask(ctx, task)
		return
	}
	if !allowed {
		w.logger.Info("breaker open, deferring task",
			zap.String("task_id", task.ID),
			zap.String("api", w.cfg.APIName),
		)
		metrics.ObserveTask("deferred")
		w.deferTask(ctx, task)
		return
	}

	session, err := w.sessions.Open(ctx)
	if err != nil {
		// A local launch failure says nothing about the upstream, so the
		// breaker is not charged for it.
		w.logger.Error("browser session open failed", zap.String("task_id", task.ID), zap.Error(err))
		w.failTask(ctx, task, fmt.Errorf("open browser session: %w", err))
		return
	}

	w.extractAndSettle(ctx, task, session)
}

// resumeTask is the captcha -> processing path: same parked session or bust.
func (w *Worker) resumeTask(ctx context.Context, task *scrape.Task) {
	session, ok := w.registry.Remove(task.CaptchaSessionID)
	if !ok {
		// Resuming with a fresh session would not be past the captcha.
		w.logger.Warn("parked session lost",
			zap.String("task_id", task.ID),
			zap.String("session_id", task.CaptchaSessionID),
		)
		metrics.ObserveCaptchaEvent("lost")
		metrics.ObserveTask("captcha_session_lost")
		delete(w.partials, task.ID)
		task.Status = scrape.TaskStatusError
		task.ErrorMessage = scrape.ErrCaptchaSessionLost.Error()
		task.ResumeRequested = false
		task.UpdatedAt = w.clock.Now()
		w.persist(ctx, task)
		return
	}

	metrics.ObserveCaptchaEvent("resumed")
	metrics.SetParkedSessions(w.registryLen())
	task.CaptchaStatus = scrape.CaptchaStatusResumed
	w.logger.Info("resuming parked session",
		zap.String("task_id", task.ID),
		zap.String("session_id", session.ID),
	)
	w.extractAndSettle(ctx, task, session)
}

// expireTask is the captcha TTL path: reclaim the held session and send the
// task back to the top of the funnel.
func (w *Worker) expireTask(ctx context.Context, task *scrape.Task) {
	if session, ok := w.registry.Remove(task.CaptchaSessionID); ok {
		w.sessions.Close(session)
	}
	metrics.ObserveCaptchaEvent("expired")
	metrics.SetParkedSessions(w.registryLen())
	delete(w.partials, task.ID)

	w.logger.Info("captcha wait expired, returning task to pending",
		zap.String("task_id", task.ID),
		zap.String("session_id", task.CaptchaSessionID),
	)

	task.ClearCaptcha()
	task.Status = scrape.TaskStatusPending
	task.UpdatedAt = w.clock.Now()
	w.persist(ctx, task)
}

// extractAndSettle invokes the extractor and settles the task into its next
// state: completed, captcha-parked, or error.
func (w *Worker) extractAndSettle(ctx context.Context, task *scrape.Task, session *scrape.Session) {
	start := w.clock.Now()
	extraction, err := w.extractor.Extract(ctx, task.URL, session)
	elapsed := w.clock.Now().Sub(start)

	switch {
	case err != nil:
		metrics.ObserveExtraction("error", elapsed)
		w.sessions.Close(session)
		if recErr := w.breaker.RecordFailure(ctx, w.cfg.APIName); recErr != nil {
			w.logger.Error("breaker record failure failed", zap.Error(recErr))
		}
		w.publishBreakerState(ctx)
		w.failTask(ctx, task, err)

	case extraction.Captcha != nil:
		metrics.ObserveExtraction("captcha", elapsed)
		w.parkTask(ctx, task, session, extraction)

	default:
		metrics.ObserveExtraction("success", elapsed)
		if recErr := w.breaker.RecordSuccess(ctx, w.cfg.APIName); recErr != nil {
			w.logger.Error("breaker record success failed", zap.Error(recErr))
		}
		w.publishBreakerState(ctx)
		w.completeTask(ctx, task, session, extraction)
	}
}

// parkTask keeps the live session for a human and marks the row captcha.
// The deliberate exception to close-on-any-outcome: the operator still needs
// the live page.
func (w *Worker) parkTask(ctx context.Context, task *scrape.Task, session *scrape.Session, extraction scrape.Extraction) {
	if len(extraction.Results) > 0 {
		w.partials[task.ID] = append(w.partials[task.ID], extraction.Results...)
	}

	sessionID := w.registry.Park(session)
	now := w.clock.Now()

	task.Status = scrape.TaskStatusCaptcha
	task.CaptchaRequired = true
	task.CaptchaURL = extraction.Captcha.URL
	task.CaptchaSessionID = sessionID
	task.CaptchaStartedAt = &now
	task.CaptchaStatus = scrape.CaptchaStatusWaiting
	task.ResumeRequested = false
	task.UpdatedAt = now

	metrics.ObserveCaptchaEvent("parked")
	metrics.ObserveTask("captcha")
	metrics.SetParkedSessions(w.registryLen())

	w.logger.Info("task parked on captcha",
		zap.String("task_id", task.ID),
		zap.String("session_id", sessionID),
		zap.String("captcha_url", task.CaptchaURL),
	)
	w.persist(ctx, task)
}

// completeTask merges all results, validates coverage, archives and publishes
// the outcome, and closes the session.
func (w *Worker) completeTask(ctx context.Context, task *scrape.Task, session *scrape.Session, extraction scrape.Extraction) {
	w.sessions.Close(session)

	results := append(w.partials[task.ID], extraction.Results...)
	delete(w.partials, task.ID)

	merged := merge.MergeAll(results)
	validation := w.validator.Validate(merged.Data)
	now := w.clock.Now()

	result := scrape.TaskResult{
		TaskID:     task.ID,
		URL:        task.URL,
		Merged:     merged,
		Validation: validation,
		FinishedAt: now,
	}

	uri, err := w.archiveResult(ctx, result)
	if err != nil {
		w.failTask(ctx, task, err)
		return
	}
	if err := w.publishResult(ctx, result, uri); err != nil {
		w.failTask(ctx, task, err)
		return
	}

	task.ClearCaptcha()
	task.Status = scrape.TaskStatusCompleted
	task.ErrorMessage = ""
	task.RetryAfter = nil
	task.UpdatedAt = now

	metrics.ObserveTask("completed")
	metrics.ObserveQuality(validation.QualityScore)

	w.logger.Info("task completed",
		zap.String("task_id", task.ID),
		zap.String("source", merged.Source),
		zap.Float64("quality", validation.QualityScore),
		zap.Strings("missing", validation.MissingFields),
		zap.String("blob_uri", uri),
	)
	w.persist(ctx, task)
}

// failTask records the error and schedules a retry with backoff. A single
// task's failure never stops the loop.
func (w *Worker) failTask(ctx context.Context, task *scrape.Task, cause error) {
	task.Attempts++
	retryAt := w.clock.Now().Add(w.backoff.Delay(task.Attempts))

	// A retry starts a fresh extraction; partials from the failed attempt
	// must not leak into it.
	delete(w.partials, task.ID)
	task.ClearCaptcha()
	task.Status = scrape.TaskStatusError
	task.ErrorMessage = cause.Error()
	task.RetryAfter = &retryAt
	task.UpdatedAt = w.clock.Now()

	metrics.ObserveTask("error")
	w.logger.Error("task failed",
		zap.String("task_id", task.ID),
		zap.Int("attempts", task.Attempts),
		zap.Time("retry_after", retryAt),
		zap.Error(cause),
	)
	w.persist(ctx, task)
}

// deferTask returns a gated task to pending without consuming a session. The
// error message names the breaker so the row explains its own retry_after.
func (w *Worker) deferTask(ctx context.Context, task *scrape.Task) {
	retryAt := w.clock.Now().Add(w.breaker.Cooldown())
	task.Status = scrape.TaskStatusPending
	task.ErrorMessage = scrape.ErrBreakerOpen.Error()
	task.RetryAfter = &retryAt
	task.UpdatedAt = w.clock.Now()
	w.persist(ctx, task)
}

func (w *Worker) archiveResult(ctx context.Context, result scrape.TaskResult) (string, error) {
	if w.blobStore == nil {
		return "", nil
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	hash, err := w.hasher.Hash(payload)
	if err != nil {
		return "", fmt.Errorf("hash result: %w", err)
	}
	path := fmt.Sprintf("%s/%s.json", result.TaskID, hash)
	if w.cfg.BlobPrefix != "" {
		path = fmt.Sprintf("%s/%s", w.cfg.BlobPrefix, path)
	}
	uri, err := w.blobStore.PutObject(ctx, path, w.cfg.ContentType, payload)
	if err != nil {
		return "", fmt.Errorf("archive result: %w", err)
	}
	return uri, nil
}

func (w *Worker) publishResult(ctx context.Context, result scrape.TaskResult, uri string) error {
	if w.cfg.Topic == "" || w.publisher == nil {
		return nil
	}
	payload := map[string]any{
		"task_id":       result.TaskID,
		"url":           result.URL,
		"blob_uri":      uri,
		"source":        result.Merged.Source,
		"quality_score": result.Validation.QualityScore,
		"missing":       result.Validation.MissingFields,
		"timestamp":     result.FinishedAt.Format(time.RFC3339),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	return nil
}

func (w *Worker) publishBreakerState(ctx context.Context) {
	state, err := w.breaker.State(ctx, w.cfg.APIName)
	if err != nil {
		return
	}
	metrics.SetBreakerState(w.cfg.APIName, state.State)
}

func (w *Worker) persist(ctx context.Context, task *scrape.Task) {
	if err := w.store.Persist(ctx, task); err != nil {
		w.logger.Error("persist task failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (w *Worker) registryLen() int {
	type lener interface{ Len() int }
	if l, ok := w.registry.(lener); ok {
		return l.Len()
	}
	return 0
}
