package extract

import (
	"context"
	"fmt"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/placeharvest/pipeline/internal/scrape"
)

// ProbeConfig controls the static metadata probe.
type ProbeConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// Probe fetches the listing page statically with Colly and parses whatever
// JSON-LD and microdata survive without JavaScript. Cheap supplementary
// signal that never burns a browser session.
type Probe struct {
	cfg           ProbeConfig
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// NewProbe builds a Probe.
func NewProbe(cfg ProbeConfig, logger *zap.Logger) *Probe {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.SetRequestTimeout(cfg.Timeout)
	return &Probe{cfg: cfg, baseCollector: c, logger: logger}
}

// Fetch retrieves the page without a browser and returns a probe-tagged
// ParseResult built from its static metadata.
func (p *Probe) Fetch(ctx context.Context, url string) (scrape.ParseResult, error) {
	var (
		body     []byte
		fetchErr error
	)

	collector := p.baseCollector.Clone()
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := collector.Request("GET", url, nil, colly.NewContext(), nil); err != nil {
		return scrape.ParseResult{}, fmt.Errorf("probe %s: %w", url, err)
	}
	collector.Wait()

	if ctx.Err() != nil {
		return scrape.ParseResult{}, ctx.Err()
	}
	if fetchErr != nil {
		return scrape.ParseResult{}, fmt.Errorf("probe %s: %w", url, fetchErr)
	}

	data, err := parseJSONLD(string(body))
	if err != nil {
		return scrape.ParseResult{}, fmt.Errorf("probe parse %s: %w", url, err)
	}
	if len(data) == 0 {
		// Fall back to plain markup when the static page carries no JSON-LD.
		if htmlData, err := parseListingHTML(string(body)); err == nil {
			data = htmlData
		}
	}

	return scrape.ParseResult{
		Data:         data,
		Source:       SourceProbe,
		QualityScore: qualityProbe,
	}, nil
}
