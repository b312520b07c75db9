// Package browser owns headless browser session lifecycles via chromedp.
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/placeharvest/pipeline/internal/metrics"
	"github.com/placeharvest/pipeline/internal/scrape"
)

// Config controls browser launches.
type Config struct {
	UserAgent  string
	Proxy      string
	Cookies    []Cookie
	NavTimeout time.Duration
}

// Cookie is injected into the fresh browser context before navigation.
type Cookie struct {
	Name   string `mapstructure:"name"`
	Value  string `mapstructure:"value"`
	Domain string `mapstructure:"domain"`
	Path   string `mapstructure:"path"`
}

// Manager implements scrape.SessionManager with chromedp. Each session gets
// its own exec allocator (browser process) and tab context, so closing one
// session cannot take a parked neighbor down with it.
type Manager struct {
	cfg    Config
	clock  scrape.Clock
	idGen  scrape.IDGenerator
	logger *zap.Logger
}

// NewManager constructs a Manager.
func NewManager(cfg Config, clock scrape.Clock, idGen scrape.IDGenerator, logger *zap.Logger) *Manager {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Manager{cfg: cfg, clock: clock, idGen: idGen, logger: logger}
}

// Open launches a browser context with anti-detection init scripts and
// optional cookie/proxy setup. On any failure mid-launch it unwinds the
// already-created layers, most specific first, before returning the error.
func (m *Manager) Open(ctx context.Context) (*scrape.Session, error) {
	id, err := m.idGen.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if m.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(m.cfg.UserAgent))
	}
	if m.cfg.Proxy != "" {
		opts = append(opts, chromedp.ProxyServer(m.cfg.Proxy))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	unwind := func() {
		// Tab before allocator: partial-launch leaks are a correctness bug.
		tabCancel()
		allocCancel()
	}

	initCtx, cancel := context.WithTimeout(tabCtx, m.cfg.NavTimeout)
	defer cancel()

	actions := []chromedp.Action{stealthInitAction()}
	if len(m.cfg.Cookies) > 0 {
		actions = append(actions, setCookiesAction(m.cfg.Cookies))
	}
	if err := chromedp.Run(initCtx, actions...); err != nil {
		unwind()
		return nil, fmt.Errorf("initialize browser session: %w", err)
	}

	sess := scrape.NewSession(id, m.clock.Now(), tabCtx, []scrape.CloseLayer{
		{Name: "tab", Close: func() error { tabCancel(); return nil }},
		{Name: "browser", Close: func() error { allocCancel(); return nil }},
	})
	m.logger.Debug("browser session opened", zap.String("session_id", id))
	return sess, nil
}

// Close tears the session down best-effort. Each layer's failure is logged
// and swallowed so a lower layer is always attempted.
func (m *Manager) Close(session *scrape.Session) {
	if session == nil {
		return
	}
	session.CloseLayers(func(layer scrape.CloseLayer) {
		if err := layer.Close(); err != nil {
			metrics.ObserveSessionCloseFailure()
			m.logger.Warn("session close layer failed",
				zap.String("session_id", session.ID),
				zap.String("layer", layer.Name),
				zap.Error(err),
			)
		}
	})
	m.logger.Debug("browser session closed", zap.String("session_id", session.ID))
}

func setCookiesAction(cookies []Cookie) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			path := c.Path
			if path == "" {
				path = "/"
			}
			err := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(path).
				Do(ctx)
			if err != nil {
				return fmt.Errorf("set cookie %q: %w", c.Name, err)
			}
		}
		return nil
	})
}
