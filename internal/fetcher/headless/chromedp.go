// Package headless contains the rendered-browser fetch strategy.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
	"github.com/JakeFAU/geotile-pipeline/internal/policy/ratelimit"
)

const (
	strategyName          = "browser"
	defaultNavTimeout     = 45 * time.Second
	defaultSettleInterval = 500 * time.Millisecond
)

// ChallengeDetector spots anti-bot interstitials in rendered HTML.
type ChallengeDetector interface {
	Challenge(body []byte) (string, bool)
}

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// Settle is how long to wait after the body is ready for late scripts.
	Settle time.Duration
}

// Fetcher renders dataset pages in headless Chrome. It only serves page jobs.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	rate        *ratelimit.Limiter
	detector    ChallengeDetector
	logger      *zap.Logger
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp. Chrome is started
// lazily on the first render.
func NewChromedp(cfg Config, rate *ratelimit.Limiter, detector ChallengeDetector, logger *zap.Logger) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, pipeline.InvalidConfigf("headless max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.Settle < 0 {
		cfg.Settle = 0
	} else if cfg.Settle == 0 {
		cfg.Settle = defaultSettleInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		rate:        rate,
		detector:    detector,
		logger:      logger.Named(strategyName),
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context and shuts Chrome down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Name implements fetch.Strategy.
func (f *Fetcher) Name() string { return strategyName }

// Supports implements fetch.Strategy. Tiles are binary and never rendered.
func (f *Fetcher) Supports(kind pipeline.JobKind) bool { return kind == pipeline.JobKindPage }

// Attempt navigates to the job URL and returns the rendered DOM.
func (f *Fetcher) Attempt(ctx context.Context, job *pipeline.FetchJob) (pipeline.FetchResult, error) {
	if err := f.acquire(ctx); err != nil {
		return pipeline.FetchResult{}, err
	}
	defer f.release()
	if err := f.rate.Wait(ctx, job.Target.URL); err != nil {
		return pipeline.FetchResult{}, fmt.Errorf("browser rate limit wait: %w", err)
	}

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := f.render(taskCtx, job.Target.URL)
	if err != nil {
		return pipeline.FetchResult{}, f.classify(ctx, taskCtx, err)
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(job.Target.URL, finalURL)
	if status >= 400 {
		return pipeline.FetchResult{}, statusError(status)
	}
	if f.detector != nil {
		if reason, ok := f.detector.Challenge([]byte(html)); ok {
			return pipeline.FetchResult{}, &pipeline.BlockedError{Strategy: strategyName, StatusCode: status, Reason: reason}
		}
	}

	return pipeline.FetchResult{
		Payload:     []byte(html),
		ContentType: headers.Get("Content-Type"),
		StatusCode:  status,
		URL:         responseURL,
		Duration:    time.Since(start),
	}, nil
}

func (f *Fetcher) render(ctx context.Context, url string) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if f.cfg.Settle > 0 {
		actions = append(actions, chromedp.Sleep(f.cfg.Settle))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

// classify turns a chromedp failure into the chain's taxonomy. A caller
// cancellation is passed through untouched.
func (f *Fetcher) classify(parent, task context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(task.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &pipeline.RenderTimeout{Strategy: strategyName, After: f.cfg.NavigationTimeout, Err: err}
	}
	if strings.Contains(err.Error(), "net::ERR_") {
		return &pipeline.TransientNetworkError{Strategy: strategyName, Err: err}
	}
	f.logger.Debug("render failed", zap.Error(err))
	return &pipeline.BlockedError{Strategy: strategyName, Reason: err.Error()}
}

func statusError(status int) error {
	if status == http.StatusRequestTimeout || status >= 500 {
		return &pipeline.TransientNetworkError{Strategy: strategyName, StatusCode: status, Err: errors.New(http.StatusText(status))}
	}
	return &pipeline.BlockedError{Strategy: strategyName, StatusCode: status, Reason: http.StatusText(status)}
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// The first document response is the navigation target; later ones are frames.
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, url
}
