package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/placeharvest/pipeline/internal/breaker"
	"github.com/placeharvest/pipeline/internal/browser"
	"github.com/placeharvest/pipeline/internal/merge"
	"github.com/placeharvest/pipeline/internal/scrape"
	"github.com/placeharvest/pipeline/internal/storage/memory"
)

// --- fakes ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSessions struct {
	mu       sync.Mutex
	opened   []*scrape.Session
	closed   map[string]int
	nextID   int
	clockRef *fakeClock
}

func newFakeSessions(clock *fakeClock) *fakeSessions {
	return &fakeSessions{closed: make(map[string]int), clockRef: clock}
}

func (f *fakeSessions) Open(_ context.Context) (*scrape.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("sess-%d", f.nextID)
	sess := scrape.NewSession(id, f.clockRef.Now(), context.Background(), []scrape.CloseLayer{
		{Name: "tab", Close: func() error { return nil }},
	})
	f.opened = append(f.opened, sess)
	return sess, nil
}

func (f *fakeSessions) Close(session *scrape.Session) {
	if session == nil {
		return
	}
	session.CloseLayers(func(scrape.CloseLayer) {})
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[session.ID]++
}

func (f *fakeSessions) closeCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[id]
}

type extractStep struct {
	extraction scrape.Extraction
	err        error
}

type fakeExtractor struct {
	mu       sync.Mutex
	steps    []extractStep
	sessions []string
}

func (f *fakeExtractor) Extract(_ context.Context, _ string, session *scrape.Session) (scrape.Extraction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, session.ID)
	if len(f.steps) == 0 {
		return scrape.Extraction{}, errors.New("no scripted extraction")
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	return step.extraction, step.err
}

type fakeHasher struct{}

func (fakeHasher) Hash([]byte) (string, error) { return "cafebabe", nil }

type fakePublisher struct {
	mu       sync.Mutex
	messages []map[string]any
}

func (p *fakePublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := payload.(map[string]any); ok {
		p.messages = append(p.messages, m)
	}
	return "msg-1", nil
}

// --- harness ---

type harness struct {
	store     *memory.TaskStore
	breaker   *breaker.Breaker
	sessions  *fakeSessions
	registry  *browser.Registry
	extractor *fakeExtractor
	blobs     *memory.BlobStore
	publisher *fakePublisher
	clock     *fakeClock
	worker    *Worker
}

func newHarness(t *testing.T, steps ...extractStep) *harness {
	t.Helper()

	clock := &fakeClock{now: time.Unix(10_000, 0).UTC()}
	store := memory.NewTaskStore()
	brk := breaker.New(memory.NewBreakerStore(), clock, breaker.Config{
		FailureThreshold: 3,
		Cooldown:         time.Minute,
	}, zap.NewNop())
	sessions := newFakeSessions(clock)
	registry := browser.NewRegistry(zap.NewNop())
	extractor := &fakeExtractor{steps: steps}
	blobs := memory.NewBlobStore()
	publisher := &fakePublisher{}

	w := New(
		store,
		brk,
		sessions,
		registry,
		extractor,
		merge.NewValidator(nil),
		blobs,
		publisher,
		fakeHasher{},
		clock,
		scrape.NewBackoff(time.Minute, time.Hour),
		Config{
			APIName:    "listing-api",
			CaptchaTTL: 30 * time.Minute,
			Topic:      "scrape-results",
			BlobPrefix: "results",
		},
		zap.NewNop(),
	)

	return &harness{
		store:     store,
		breaker:   brk,
		sessions:  sessions,
		registry:  registry,
		extractor: extractor,
		blobs:     blobs,
		publisher: publisher,
		clock:     clock,
		worker:    w,
	}
}

func (h *harness) seedPending(t *testing.T, id string) {
	t.Helper()
	now := h.clock.Now()
	require.NoError(t, h.store.Create(context.Background(), &scrape.Task{
		ID:        id,
		URL:       "https://maps.example.com/place/" + id,
		Status:    scrape.TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func (h *harness) claimAndProcess(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	task, err := h.store.ClaimNext(ctx, h.clock.Now(), h.worker.cfg.CaptchaTTL)
	require.NoError(t, err)
	h.worker.processTask(ctx, task)
}

func (h *harness) task(t *testing.T, id string) *scrape.Task {
	t.Helper()
	task, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

func apiResult() scrape.ParseResult {
	return scrape.ParseResult{
		Data: map[string]any{
			"name":          "Cafe Luna",
			"address":       "12 Main St",
			"rating":        4.6,
			"reviews_count": 0,
			"categories":    []string{"cafe"},
		},
		Source:       "api",
		QualityScore: 95,
	}
}

// --- tests ---

func TestWorkerSuccessFlow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, extractStep{extraction: scrape.Extraction{
		Results: []scrape.ParseResult{apiResult()},
	}})
	h.seedPending(t, "t1")
	h.claimAndProcess(t)

	task := h.task(t, "t1")
	require.Equal(t, scrape.TaskStatusCompleted, task.Status)
	require.Empty(t, task.ErrorMessage)
	require.False(t, task.CaptchaRequired)
	require.Nil(t, task.RetryAfter)

	require.Equal(t, 1, h.sessions.closeCount("sess-1"))
	require.Equal(t, "results/t1/cafebabe.json", h.blobs.LastPath())
	require.Len(t, h.publisher.messages, 1)
	require.Equal(t, "t1", h.publisher.messages[0]["task_id"])
	require.InDelta(t, 1.0, h.publisher.messages[0]["quality_score"], 1e-9)
}

func TestWorkerCaptchaParksSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, extractStep{extraction: scrape.Extraction{
		Captcha: &scrape.CaptchaSignal{URL: "https://maps.example.com/showcaptcha"},
	}})
	h.seedPending(t, "t1")
	h.claimAndProcess(t)

	task := h.task(t, "t1")
	require.Equal(t, scrape.TaskStatusCaptcha, task.Status)
	require.True(t, task.CaptchaRequired)
	require.Equal(t, "sess-1", task.CaptchaSessionID)
	require.Equal(t, "https://maps.example.com/showcaptcha", task.CaptchaURL)
	require.Equal(t, scrape.CaptchaStatusWaiting, task.CaptchaStatus)
	require.False(t, task.ResumeRequested)
	require.NotNil(t, task.CaptchaStartedAt)

	// The whole point of parking: the session stays live and retrievable.
	require.Zero(t, h.sessions.closeCount("sess-1"))
	parked, ok := h.registry.Get("sess-1")
	require.True(t, ok)
	require.False(t, parked.Closed())
}

func TestWorkerResumeFlow(t *testing.T) {
	t.Parallel()

	h := newHarness(t,
		extractStep{extraction: scrape.Extraction{
			Captcha: &scrape.CaptchaSignal{URL: "https://maps.example.com/showcaptcha"},
		}},
		extractStep{extraction: scrape.Extraction{
			Results: []scrape.ParseResult{apiResult()},
		}},
	)
	h.seedPending(t, "t1")
	h.claimAndProcess(t)

	ctx := context.Background()
	require.NoError(t, h.store.RequestResume(ctx, "t1"))

	h.claimAndProcess(t)

	task := h.task(t, "t1")
	require.Equal(t, scrape.TaskStatusCompleted, task.Status)
	require.False(t, task.CaptchaRequired)
	require.Empty(t, task.CaptchaSessionID)
	require.Empty(t, task.CaptchaURL)
	require.Nil(t, task.CaptchaStartedAt)
	require.Empty(t, string(task.CaptchaStatus))
	require.False(t, task.ResumeRequested)

	// Same parked session, resumed and then closed.
	require.Equal(t, []string{"sess-1", "sess-1"}, h.extractor.sessions)
	require.Equal(t, 1, h.sessions.closeCount("sess-1"))
	require.Equal(t, 0, h.registry.Len())
}

func TestWorkerResumeMergesPartials(t *testing.T) {
	t.Parallel()

	partial := scrape.ParseResult{
		Data:         map[string]any{"name": "Cafe Luna", "phone": "+1 555 0100"},
		Source:       "probe",
		QualityScore: 50,
	}
	h := newHarness(t,
		extractStep{extraction: scrape.Extraction{
			Results: []scrape.ParseResult{partial},
			Captcha: &scrape.CaptchaSignal{URL: "https://maps.example.com/showcaptcha"},
		}},
		extractStep{extraction: scrape.Extraction{
			Results: []scrape.ParseResult{apiResult()},
		}},
	)
	h.seedPending(t, "t1")
	h.claimAndProcess(t)

	require.NoError(t, h.store.RequestResume(context.Background(), "t1"))
	h.claimAndProcess(t)

	require.Len(t, h.publisher.messages, 1)
	require.Equal(t, "probe+api", h.publisher.messages[0]["source"])
}

func TestWorkerCaptchaExpiry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, extractStep{extraction: scrape.Extraction{
		Captcha: &scrape.CaptchaSignal{URL: "https://maps.example.com/showcaptcha"},
	}})
	h.seedPending(t, "t1")
	h.claimAndProcess(t)

	h.clock.advance(31 * time.Minute)
	h.claimAndProcess(t)

	task := h.task(t, "t1")
	require.Equal(t, scrape.TaskStatusPending, task.Status)
	require.False(t, task.CaptchaRequired)
	require.Empty(t, task.CaptchaSessionID)
	require.Nil(t, task.CaptchaStartedAt)
	require.Empty(t, string(task.CaptchaStatus))
	require.False(t, task.ResumeRequested)

	require.Equal(t, 1, h.sessions.closeCount("sess-1"), "parked session closed exactly once")
	require.Equal(t, 0, h.registry.Len())

	// Fresh top-of-funnel attempt is claimable again.
	claimed, err := h.store.ClaimNext(context.Background(), h.clock.Now(), h.worker.cfg.CaptchaTTL)
	require.NoError(t, err)
	require.Equal(t, "t1", claimed.ID)
	require.Equal(t, scrape.TaskStatusProcessing, claimed.Status)
}

func TestWorkerCaptchaSessionLost(t *testing.T) {
	t.Parallel()

	h := newHarness(t, extractStep{extraction: scrape.Extraction{
		Captcha: &scrape.CaptchaSignal{URL: "https://maps.example.com/showcaptcha"},
	}})
	h.seedPending(t, "t1")
	h.claimAndProcess(t)

	// Simulate a restart: the registry no longer knows the session.
	_, ok := h.registry.Remove("sess-1")
	require.True(t, ok)
	require.NoError(t, h.store.RequestResume(context.Background(), "t1"))

	h.claimAndProcess(t)

	task := h.task(t, "t1")
	require.Equal(t, scrape.TaskStatusError, task.Status)
	require.Equal(t, "captcha_session_lost", task.ErrorMessage)
	require.False(t, task.ResumeRequested)
	// No silent fabrication of a new session.
	require.Len(t, h.extractor.sessions, 1)
	require.Equal(t, "sess-1", task.CaptchaSessionID, "forensic fields left in place")
}

func TestWorkerBreakerOpenDefersWithoutSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, h.breaker.RecordFailure(ctx, "listing-api"))
	}

	h.seedPending(t, "t1")
	h.claimAndProcess(t)

	task := h.task(t, "t1")
	require.Equal(t, scrape.TaskStatusPending, task.Status)
	require.Equal(t, scrape.ErrBreakerOpen.Error(), task.ErrorMessage)
	require.NotNil(t, task.RetryAfter)
	require.True(t, task.RetryAfter.After(h.clock.Now()))
	require.Empty(t, h.sessions.opened, "no browser session consumed while gated")
	require.Empty(t, h.extractor.sessions)
}

func TestWorkerExtractionErrorSchedulesRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, extractStep{err: errors.New("net/http: TLS handshake timeout")})
	h.seedPending(t, "t1")
	h.claimAndProcess(t)

	task := h.task(t, "t1")
	require.Equal(t, scrape.TaskStatusError, task.Status)
	require.Contains(t, task.ErrorMessage, "TLS handshake timeout")
	require.Equal(t, 1, task.Attempts)
	require.NotNil(t, task.RetryAfter)
	require.Equal(t, 1, h.sessions.closeCount("sess-1"))

	state, err := h.breaker.State(context.Background(), "listing-api")
	require.NoError(t, err)
	require.Equal(t, 1, state.FailureCount)
}

func TestWorkerErrorTaskRetriedAfterBackoff(t *testing.T) {
	t.Parallel()

	h := newHarness(t,
		extractStep{err: errors.New("connection reset by peer")},
		extractStep{extraction: scrape.Extraction{Results: []scrape.ParseResult{apiResult()}}},
	)
	h.seedPending(t, "t1")
	h.claimAndProcess(t)

	task := h.task(t, "t1")
	require.Equal(t, scrape.TaskStatusError, task.Status)
	require.NotNil(t, task.RetryAfter)

	// Not claimable until the backoff elapses.
	_, err := h.store.ClaimNext(context.Background(), h.clock.Now(), h.worker.cfg.CaptchaTTL)
	require.ErrorIs(t, err, scrape.ErrNoTask)

	h.clock.advance(2 * time.Hour)
	h.claimAndProcess(t)

	task = h.task(t, "t1")
	require.Equal(t, scrape.TaskStatusCompleted, task.Status)
	require.Empty(t, task.ErrorMessage)
	require.Nil(t, task.RetryAfter)
	require.Equal(t, 1, task.Attempts)
}

func TestWorkerFailedResumeDropsPartials(t *testing.T) {
	t.Parallel()

	partial := scrape.ParseResult{
		Data:         map[string]any{"name": "Cafe Luna", "phone": "+1 555 0100"},
		Source:       "probe",
		QualityScore: 50,
	}
	h := newHarness(t,
		extractStep{extraction: scrape.Extraction{
			Results: []scrape.ParseResult{partial},
			Captcha: &scrape.CaptchaSignal{URL: "https://maps.example.com/showcaptcha"},
		}},
		extractStep{err: errors.New("context deadline exceeded")},
		extractStep{extraction: scrape.Extraction{Results: []scrape.ParseResult{apiResult()}}},
	)
	h.seedPending(t, "t1")
	h.claimAndProcess(t)

	require.NoError(t, h.store.RequestResume(context.Background(), "t1"))
	h.claimAndProcess(t)
	require.Equal(t, scrape.TaskStatusError, h.task(t, "t1").Status)

	h.clock.advance(2 * time.Hour)
	h.claimAndProcess(t)

	require.Equal(t, scrape.TaskStatusCompleted, h.task(t, "t1").Status)
	// The retry is a fresh extraction; the pre-park partial must be gone.
	require.Len(t, h.publisher.messages, 1)
	require.Equal(t, "api", h.publisher.messages[0]["source"])
}

func TestWorkerRunDrainsQueue(t *testing.T) {
	t.Parallel()

	h := newHarness(t,
		extractStep{extraction: scrape.Extraction{Results: []scrape.ParseResult{apiResult()}}},
		extractStep{extraction: scrape.Extraction{Results: []scrape.ParseResult{apiResult()}}},
	)
	h.worker.cfg.PollInterval = 5 * time.Millisecond
	h.seedPending(t, "t1")
	h.seedPending(t, "t2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.worker.Run(ctx)

	require.Eventually(t, func() bool {
		t1, err1 := h.store.Get(ctx, "t1")
		t2, err2 := h.store.Get(ctx, "t2")
		return err1 == nil && err2 == nil &&
			t1.Status == scrape.TaskStatusCompleted &&
			t2.Status == scrape.TaskStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
}

func TestNoDoubleClaimUnderConcurrency(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore()
	now := time.Unix(10_000, 0).UTC()
	require.NoError(t, store.Create(context.Background(), &scrape.Task{
		ID:        "t1",
		URL:       "https://maps.example.com/place/t1",
		Status:    scrape.TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}))

	const claimers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := store.ClaimNext(context.Background(), now, time.Hour)
			if err == nil && task != nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins, "exactly one claimer may win the row")
}
