package extract

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/placeharvest/pipeline/internal/scrape"
)

// Source tags and the confidence attached to each extraction strategy.
const (
	SourceAPI      = "api"
	SourceHTML     = "html"
	SourceMetadata = "metadata"
	SourceProbe    = "probe"

	qualityAPI      = 95
	qualityHTML     = 70
	qualityMetadata = 60
	qualityProbe    = 50
)

// Config controls the listing extractor.
type Config struct {
	// APIURLPattern marks XHR responses worth intercepting, e.g. "/api/v1/org".
	APIURLPattern string
	// NavTimeout bounds one navigation plus settle time.
	NavTimeout time.Duration
	// SettleDelay lets late XHRs land after the DOM is ready.
	SettleDelay time.Duration
	// MinQuality drops ParseResults scored below it. Zero keeps everything.
	MinQuality int
}

// Listing extracts business listing data from a page using every strategy at
// once: intercepted API JSON, rendered-HTML parsing and JSON-LD metadata. An
// optional static probe contributes a fourth result without the browser.
type Listing struct {
	cfg    Config
	probe  *Probe
	logger *zap.Logger
}

// NewListing constructs the extractor. probe may be nil.
func NewListing(cfg Config, probe *Probe, logger *zap.Logger) *Listing {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 800 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listing{cfg: cfg, probe: probe, logger: logger}
}

// Extract navigates the session to url and returns every ParseResult the page
// yields, or a CaptchaSignal when the site interposes a challenge.
func (l *Listing) Extract(ctx context.Context, url string, session *scrape.Session) (scrape.Extraction, error) {
	if session == nil {
		return scrape.Extraction{}, fmt.Errorf("extract %s: nil browser session", url)
	}

	interceptor := newAPIInterceptor(l.cfg.APIURLPattern)
	chromedp.ListenTarget(session.Ctx, interceptor.onEvent)

	navCtx, cancel := context.WithTimeout(session.Ctx, l.cfg.NavTimeout)
	defer cancel()

	var (
		html     string
		finalURL string
	)
	err := chromedp.Run(navCtx,
		network.Enable(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(l.cfg.SettleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		interceptor.fetchBodiesAction(),
	)
	if err != nil {
		return scrape.Extraction{}, fmt.Errorf("navigate %s: %w", url, err)
	}

	// Honor a context deadline hit during navigation even if chromedp
	// returned partial content.
	if ctx.Err() != nil {
		return scrape.Extraction{}, fmt.Errorf("navigate %s: %w", url, ctx.Err())
	}

	if detectCaptcha(finalURL, html) {
		l.logger.Info("captcha interposed",
			zap.String("url", url),
			zap.String("captcha_url", finalURL),
		)
		return scrape.Extraction{Captcha: &scrape.CaptchaSignal{URL: finalURL}}, nil
	}

	var results []scrape.ParseResult

	for _, body := range interceptor.bodies() {
		data, err := parseListingAPI(body)
		if err != nil || len(data) == 0 {
			continue
		}
		results = append(results, scrape.ParseResult{
			Data:         data,
			Source:       SourceAPI,
			QualityScore: qualityAPI,
		})
		break
	}

	if data, err := parseListingHTML(html); err == nil && len(data) > 0 {
		results = append(results, scrape.ParseResult{
			Data:         data,
			Source:       SourceHTML,
			QualityScore: qualityHTML,
		})
	}

	if data, err := parseJSONLD(html); err == nil && len(data) > 0 {
		results = append(results, scrape.ParseResult{
			Data:         data,
			Source:       SourceMetadata,
			QualityScore: qualityMetadata,
		})
	}

	if l.probe != nil {
		if probeResult, err := l.probe.Fetch(ctx, url); err == nil && len(probeResult.Data) > 0 {
			results = append(results, probeResult)
		} else if err != nil {
			l.logger.Debug("static probe failed", zap.String("url", url), zap.Error(err))
		}
	}

	results = filterByQuality(results, l.cfg.MinQuality)
	if len(results) == 0 {
		return scrape.Extraction{}, fmt.Errorf("extract %s: no strategy produced data", url)
	}
	return scrape.Extraction{Results: results}, nil
}

// filterByQuality keeps results scoring at least min.
func filterByQuality(results []scrape.ParseResult, min int) []scrape.ParseResult {
	if min <= 0 {
		return results
	}
	kept := results[:0]
	for _, r := range results {
		if r.QualityScore >= min {
			kept = append(kept, r)
		}
	}
	return kept
}

// apiInterceptor collects document XHR responses matching the listing API
// pattern; bodies are fetched inside the page's executor once navigation
// settles.
type apiInterceptor struct {
	pattern string

	mu         sync.Mutex
	requestIDs []network.RequestID
	payloads   [][]byte
}

func newAPIInterceptor(pattern string) *apiInterceptor {
	return &apiInterceptor{pattern: pattern}
}

func (i *apiInterceptor) onEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Response == nil {
		return
	}
	if i.pattern == "" || !strings.Contains(resp.Response.URL, i.pattern) {
		return
	}
	if resp.Type != network.ResourceTypeXHR && resp.Type != network.ResourceTypeFetch {
		return
	}
	i.mu.Lock()
	i.requestIDs = append(i.requestIDs, resp.RequestID)
	i.mu.Unlock()
}

func (i *apiInterceptor) fetchBodiesAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		i.mu.Lock()
		ids := append([]network.RequestID(nil), i.requestIDs...)
		i.mu.Unlock()

		for _, id := range ids {
			body, err := network.GetResponseBody(id).Do(ctx)
			if err != nil {
				// The renderer may have dropped the body; other strategies
				// still cover the task.
				continue
			}
			i.mu.Lock()
			i.payloads = append(i.payloads, body)
			i.mu.Unlock()
		}
		return nil
	})
}

func (i *apiInterceptor) bodies() [][]byte {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([][]byte, len(i.payloads))
	copy(out, i.payloads)
	return out
}
