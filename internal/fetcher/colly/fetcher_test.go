package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/geotile-pipeline/internal/headless/detector"
	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
)

func newTestFetcher(antiBot bool) *Fetcher {
	return New(Config{AntiBot: antiBot, Timeout: 2 * time.Second}, nil, detector.NewHeuristic(40), nil)
}

func pageJob(u string) *pipeline.FetchJob {
	return &pipeline.FetchJob{ID: "p", Kind: pipeline.JobKindPage, Target: pipeline.Target{URL: u}}
}

func TestFetcherTileRange(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "bytes=0-3" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "image/tiff")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("II*\x00"))
	}))
	t.Cleanup(srv.Close)

	f := newTestFetcher(false)
	job := &pipeline.FetchJob{Kind: pipeline.JobKindTile, Target: pipeline.Target{URL: srv.URL + "/scene.tif", ByteRange: "0-3"}}
	res, err := f.Attempt(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, http.StatusPartialContent, res.StatusCode)
	require.Equal(t, "image/tiff", res.ContentType)
	require.Equal(t, []byte("II*\x00"), res.Payload)
}

func TestFetcherStatusClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusBadGateway, true},
		{http.StatusRequestTimeout, true},
		{http.StatusForbidden, false},
		{http.StatusTooManyRequests, false},
		{http.StatusNotFound, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))
		f := newTestFetcher(false)
		_, err := f.Attempt(context.Background(), pageJob(srv.URL))
		srv.Close()

		require.Error(t, err, "status %d", tc.status)
		if tc.transient {
			require.True(t, pipeline.IsTransient(err), "status %d", tc.status)
			continue
		}
		var blocked *pipeline.BlockedError
		require.ErrorAs(t, err, &blocked, "status %d", tc.status)
		require.Equal(t, tc.status, blocked.StatusCode)
		require.Equal(t, "http", blocked.Strategy)
	}
}

func TestFetcherChallengePageBlocked(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Just a moment...</title></head><body></body></html>`))
	}))
	t.Cleanup(srv.Close)

	_, err := newTestFetcher(false).Attempt(context.Background(), pageJob(srv.URL))
	var blocked *pipeline.BlockedError
	require.ErrorAs(t, err, &blocked)
	require.Equal(t, "interstitial", blocked.Reason)
}

func TestFetcherJavaScriptShellEscalates(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><body><div id="root"></div><script src="/app.js"></script></body></html>`))
	}))
	t.Cleanup(srv.Close)

	_, err := newTestFetcher(false).Attempt(context.Background(), pageJob(srv.URL))
	var blocked *pipeline.BlockedError
	require.ErrorAs(t, err, &blocked)
	require.Equal(t, "javascript shell", blocked.Reason)
}

func TestFetcherAntiBotHeaders(t *testing.T) {
	t.Parallel()

	var (
		gotUA   string
		gotLang string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotLang = r.Header.Get("Accept-Language")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><h1>Landsat 9</h1><p>` +
			strings.Repeat("Operational Land Imager 2 collects 30 m data. ", 4) + `</p></body></html>`))
	}))
	t.Cleanup(srv.Close)

	f := newTestFetcher(true)
	require.Equal(t, "antibot", f.Name())
	res, err := f.Attempt(context.Background(), pageJob(srv.URL))
	require.NoError(t, err)
	require.Contains(t, string(res.Payload), "Landsat 9")
	require.NotEmpty(t, gotUA)
	require.Equal(t, "en-US,en;q=0.9", gotLang)
}

func TestFetcherConnectionRefusedIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := newTestFetcher(false).Attempt(context.Background(), pageJob(addr))
	require.True(t, pipeline.IsTransient(err), "got %v", err)
}

func TestFetcherCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestFetcher(false).Attempt(ctx, pageJob("http://127.0.0.1:1/"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestFetcherSupports(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(false)
	require.True(t, f.Supports(pipeline.JobKindTile))
	require.True(t, f.Supports(pipeline.JobKindPage))

	pageOnly := New(Config{Kinds: []pipeline.JobKind{pipeline.JobKindPage}}, nil, nil, nil)
	require.False(t, pageOnly.Supports(pipeline.JobKindTile))
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(true)
	job := &pipeline.FetchJob{Kind: pipeline.JobKindTile, Target: pipeline.Target{ByteRange: "10-20"}}
	var (
		result  pipeline.FetchResult
		failure *colly.Response
		respErr error
	)
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, job, time.Unix(0, 0), &result, &failure, &respErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "bytes=10-20", collyReq.Headers.Get("Range"))
	require.NotEmpty(t, collyReq.Headers.Get("Accept"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Headers:    &http.Header{"Content-Type": {"text/plain"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	require.Equal(t, "body", string(result.Payload))
	require.Equal(t, "text/plain", result.ContentType)

	hooks.onError(&colly.Response{StatusCode: 500}, errors.New("boom"))
	require.EqualError(t, respErr, "boom")
	require.Equal(t, 500, failure.StatusCode)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
