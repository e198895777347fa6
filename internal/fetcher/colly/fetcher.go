// Package collyfetcher implements the plain and anti-bot HTTP fetch strategies
// on top of gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/extensions"
	"go.uber.org/zap"

	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
	"github.com/JakeFAU/geotile-pipeline/internal/policy/ratelimit"
)

const defaultTimeout = 30 * time.Second

// Detector classifies HTML bodies that arrived with a 2xx status.
type Detector interface {
	NeedsRender(status int, body []byte) bool
	Challenge(body []byte) (string, bool)
}

// Config controls collector behavior.
type Config struct {
	// Name is the strategy name reported on results and errors.
	Name          string
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodyBytes caps response bodies; zero means unlimited.
	MaxBodyBytes int
	// AntiBot enables rotating user agents, referer propagation and browser-like headers.
	AntiBot bool
	// Kinds lists the job kinds this fetcher accepts. Empty means tile and page.
	Kinds []pipeline.JobKind
}

// Fetcher is a fetch.Strategy backed by a colly collector.
type Fetcher struct {
	cfg           Config
	limiter       *ratelimit.Limiter
	detector      Detector
	logger        *zap.Logger
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter and detector may be nil.
func New(cfg Config, limiter *ratelimit.Limiter, detector Detector, logger *zap.Logger) *Fetcher {
	if cfg.Name == "" {
		cfg.Name = "http"
		if cfg.AntiBot {
			cfg.Name = "antibot"
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.MaxBodySize = cfg.MaxBodyBytes
	c.ParseHTTPErrorResponse = true
	transport := &robotsFallbackTransport{base: newHTTPTransport(), logger: logger}
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		detector:      detector,
		logger:        logger.Named(cfg.Name),
		transport:     transport,
		baseCollector: c,
	}
}

// Name implements fetch.Strategy.
func (f *Fetcher) Name() string { return f.cfg.Name }

// Supports implements fetch.Strategy.
func (f *Fetcher) Supports(kind pipeline.JobKind) bool {
	if len(f.cfg.Kinds) == 0 {
		return kind == pipeline.JobKindTile || kind == pipeline.JobKindPage
	}
	for _, k := range f.cfg.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Attempt performs one GET of the job's target URL.
func (f *Fetcher) Attempt(ctx context.Context, job *pipeline.FetchJob) (pipeline.FetchResult, error) {
	target := job.Target.URL
	if target == "" {
		return pipeline.FetchResult{}, &pipeline.BlockedError{Strategy: f.cfg.Name, Reason: "job has no target url"}
	}
	if err := f.limiter.Wait(ctx, target); err != nil {
		return pipeline.FetchResult{}, fmt.Errorf("%s rate limit wait: %w", f.cfg.Name, err)
	}

	var (
		result  pipeline.FetchResult
		failure *colly.Response
		respErr error
	)
	start := time.Now()
	collector := f.buildCollector(job, start, &result, &failure, &respErr)
	visitErr := f.runCollector(ctx, collector, target)
	if ctx.Err() != nil {
		return pipeline.FetchResult{}, ctx.Err()
	}
	if err := f.classify(job, result, failure, respErr, visitErr); err != nil {
		return pipeline.FetchResult{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	job *pipeline.FetchJob,
	start time.Time,
	result *pipeline.FetchResult,
	failure **colly.Response,
	respErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots || job.Kind == pipeline.JobKindTile
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)
	if f.cfg.AntiBot {
		extensions.RandomUserAgent(collector)
		extensions.Referer(collector)
	}
	f.configureCollectorHooks(collector, job, start, result, failure, respErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	job *pipeline.FetchJob,
	start time.Time,
	result *pipeline.FetchResult,
	failure **colly.Response,
	respErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		if job.Target.ByteRange != "" {
			r.Headers.Set("Range", "bytes="+job.Target.ByteRange)
		}
		if f.cfg.AntiBot {
			r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
			r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
			r.Headers.Set("Upgrade-Insecure-Requests", "1")
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = pipeline.FetchResult{
			Payload:     append([]byte(nil), r.Body...),
			ContentType: r.Headers.Get("Content-Type"),
			StatusCode:  r.StatusCode,
			URL:         r.Request.URL.String(),
			Duration:    time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		*failure = r
		*respErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

// classify maps the outcome of one visit onto the chain's failure taxonomy.
func (f *Fetcher) classify(
	job *pipeline.FetchJob,
	result pipeline.FetchResult,
	failure *colly.Response,
	respErr error,
	visitErr error,
) error {
	status := result.StatusCode
	if failure != nil && failure.StatusCode != 0 {
		status = failure.StatusCode
	}
	switch {
	case errors.Is(visitErr, colly.ErrRobotsTxtBlocked):
		return &pipeline.BlockedError{Strategy: f.cfg.Name, Reason: "disallowed by robots.txt"}
	case status >= 400:
		return f.statusError(status, respErr)
	case respErr != nil:
		return &pipeline.TransientNetworkError{Strategy: f.cfg.Name, StatusCode: status, Err: respErr}
	case visitErr != nil:
		if isNetworkError(visitErr) {
			return &pipeline.TransientNetworkError{Strategy: f.cfg.Name, Err: visitErr}
		}
		return &pipeline.BlockedError{Strategy: f.cfg.Name, Reason: visitErr.Error()}
	case status == 0:
		return &pipeline.TransientNetworkError{Strategy: f.cfg.Name, Err: errors.New("no response received")}
	}

	if job.Kind != pipeline.JobKindPage || f.detector == nil {
		return nil
	}
	if reason, ok := f.detector.Challenge(result.Payload); ok {
		return &pipeline.BlockedError{Strategy: f.cfg.Name, StatusCode: status, Reason: reason}
	}
	if isHTML(result.ContentType) && f.detector.NeedsRender(status, result.Payload) {
		f.logger.Debug("page needs javascript rendering", zap.String("url", result.URL))
		return &pipeline.BlockedError{Strategy: f.cfg.Name, StatusCode: status, Reason: "javascript shell"}
	}
	return nil
}

func (f *Fetcher) statusError(status int, cause error) error {
	if cause == nil {
		cause = errors.New(http.StatusText(status))
	}
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooEarly, status >= 500:
		return &pipeline.TransientNetworkError{Strategy: f.cfg.Name, StatusCode: status, Err: cause}
	case status == http.StatusTooManyRequests:
		return &pipeline.BlockedError{Strategy: f.cfg.Name, StatusCode: status, Reason: "rate limited"}
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return &pipeline.BlockedError{Strategy: f.cfg.Name, StatusCode: status, Reason: "access denied"}
	default:
		return &pipeline.BlockedError{Strategy: f.cfg.Name, StatusCode: status, Reason: http.StatusText(status)}
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) || errors.Is(err, context.DeadlineExceeded)
}

func isHTML(contentType string) bool {
	return contentType == "" || strings.Contains(strings.ToLower(contentType), "html")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
