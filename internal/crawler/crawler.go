package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cenkalti/backoff/v4"
	colly "github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"
)

// Request context keys.
const (
	ctxKey     = "key"
	ctxURL     = "url"
	ctxDepth   = "depth"
	ctxBackoff = "backoff"
)

// ErrRedirectOutOfScope is returned for a redirect that leaves the crawl
// scope. It is never retried.
var ErrRedirectOutOfScope = errors.New("redirect out of scope")

const maxRedirects = 10

// Config bounds a single crawl.
type Config struct {
	PathPrefix           string
	Exclusions           []string
	MaxDepth             int
	MaxResources         int
	Workers              int
	RatePerSecond        float64
	MaxBodySize          int
	UserAgent            string
	Timeout              time.Duration
	RetryAttempts        int
	RetryInitialInterval time.Duration
}

type Crawler struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Crawler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Crawler{cfg: cfg, logger: logger}
}

// run is the state of one Crawl call. The seen set is per run so
// deduplication never leaks between jobs.
type run struct {
	cfg       Config
	logger    *slog.Logger
	ctx       context.Context
	collector *colly.Collector
	scope     *Scope
	limiter   *rate.Limiter
	out       chan Resource

	mu    sync.Mutex
	seen  map[string]bool
	count int
}

// Crawl fetches the seed and every in-scope resource reachable from it. The
// returned channel is unbuffered: fetching proceeds only as fast as the
// consumer takes resources. It is closed once the crawl drains or ctx ends.
func (c *Crawler) Crawl(ctx context.Context, seed string) (<-chan Resource, error) {
	scope, err := NewScope(seed, c.cfg.PathPrefix, c.cfg.Exclusions)
	if err != nil {
		return nil, err
	}

	opts := []colly.CollectorOption{
		colly.StdlibContext(ctx),
		colly.Async(true),
	}
	if c.cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(c.cfg.UserAgent))
	}
	if c.cfg.MaxBodySize > 0 {
		opts = append(opts, colly.MaxBodySize(c.cfg.MaxBodySize))
	}
	collector := colly.NewCollector(opts...)
	if c.cfg.Timeout > 0 {
		collector.SetRequestTimeout(c.cfg.Timeout)
	}
	if err := collector.Limit(&colly.LimitRule{DomainGlob: "*", Parallelism: c.cfg.Workers}); err != nil {
		return nil, fmt.Errorf("failed to set crawl limit: %w", err)
	}

	limit := rate.Inf
	if c.cfg.RatePerSecond > 0 {
		limit = rate.Limit(c.cfg.RatePerSecond)
	}

	r := &run{
		cfg:       c.cfg,
		logger:    c.logger,
		ctx:       ctx,
		collector: collector,
		scope:     scope,
		limiter:   rate.NewLimiter(limit, 1),
		out:       make(chan Resource),
		seen:      make(map[string]bool),
	}
	collector.SetRedirectHandler(r.checkRedirect)
	collector.OnRequest(r.onRequest)
	collector.OnResponse(r.onResponse)
	collector.OnError(r.onError)

	if err := r.enqueue(seed, 0); err != nil {
		return nil, fmt.Errorf("failed to start crawl: %w", err)
	}

	go func() {
		collector.Wait()
		close(r.out)
		r.logger.InfoContext(ctx, "crawl finished", "seed", seed, "resources", r.visited())
	}()

	return r.out, nil
}

func (r *run) visited() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// enqueue schedules a fetch unless the normalized URL was already seen or
// the resource budget is spent.
func (r *run) enqueue(rawURL string, depth int) error {
	key, err := Normalize(rawURL)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.seen[key] || (r.cfg.MaxResources > 0 && r.count >= r.cfg.MaxResources) {
		r.mu.Unlock()
		return nil
	}
	r.seen[key] = true
	r.count++
	r.mu.Unlock()

	cctx := colly.NewContext()
	cctx.Put(ctxKey, key)
	cctx.Put(ctxURL, rawURL)
	cctx.Put(ctxDepth, depth)
	return r.collector.Request(http.MethodGet, rawURL, nil, cctx, nil)
}

// checkRedirect keeps redirects inside the crawl scope so a foreign page is
// never emitted under an in-scope URL.
func (r *run) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if !r.scope.Allows(req.URL.String()) {
		return fmt.Errorf("%w: %s", ErrRedirectOutOfScope, req.URL)
	}
	return nil
}

func (r *run) onRequest(req *colly.Request) {
	if err := r.limiter.Wait(r.ctx); err != nil {
		req.Abort()
	}
}

func (r *run) onResponse(resp *colly.Response) {
	rawURL := resp.Ctx.Get(ctxURL)
	depth, _ := resp.Ctx.GetAny(ctxDepth).(int)
	ct := Classify(resp.Headers.Get("Content-Type"), rawURL)

	if ct == ContentHTML && depth < r.cfg.MaxDepth {
		r.discover(resp, depth)
	}

	r.emit(Resource{
		URL:         rawURL,
		Key:         resp.Ctx.Get(ctxKey),
		Depth:       depth,
		ContentType: ct,
		MIME:        resp.Headers.Get("Content-Type"),
		Body:        resp.Body,
		StatusCode:  resp.StatusCode,
	})
}

// discover queues in-scope links found in an HTML page. Links to documents
// are fetched like pages but their bodies are never searched for links.
func (r *run) discover(resp *colly.Response, depth int) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		r.logger.DebugContext(r.ctx, "failed to parse page for links", "url", resp.Request.URL.String(), "error", err)
		return
	}

	doc.Find("a[href], embed[src], object[data], iframe[src]").Each(func(_ int, s *goquery.Selection) {
		link := s.AttrOr("href", "")
		if link == "" {
			link = s.AttrOr("src", s.AttrOr("data", ""))
		}
		link = strings.TrimSpace(link)
		if link == "" || shouldSkipLink(link) {
			return
		}

		abs := resp.Request.AbsoluteURL(link)
		if abs == "" {
			return
		}
		u, err := url.Parse(abs)
		if err != nil {
			return
		}
		u.Fragment = ""
		abs = u.String()

		if !r.scope.Allows(abs) {
			return
		}
		if err := r.enqueue(abs, depth+1); err != nil {
			r.logger.DebugContext(r.ctx, "failed to queue link", "url", abs, "error", err)
		}
	})
}

func shouldSkipLink(link string) bool {
	for _, prefix := range []string{"#", "javascript:", "mailto:", "tel:", "data:"} {
		if strings.HasPrefix(strings.ToLower(link), prefix) {
			return true
		}
	}
	return false
}

func (r *run) onError(resp *colly.Response, visitErr error) {
	if r.ctx.Err() != nil {
		return
	}
	rawURL := resp.Ctx.Get(ctxURL)

	if isTransient(resp, visitErr) && r.retry(resp, visitErr) {
		return
	}

	r.logger.WarnContext(r.ctx, "fetch failed", "url", rawURL, "status", resp.StatusCode, "error", visitErr)
	depth, _ := resp.Ctx.GetAny(ctxDepth).(int)
	r.emit(Resource{
		URL:         rawURL,
		Key:         resp.Ctx.Get(ctxKey),
		Depth:       depth,
		ContentType: classifyExtension(rawURL),
		StatusCode:  resp.StatusCode,
		Err:         fmt.Errorf("fetch %s: %w", rawURL, visitErr),
	})
}

// retry re-issues a request after a backoff delay. It returns false once the
// retry budget is spent.
func (r *run) retry(resp *colly.Response, visitErr error) bool {
	bo, ok := resp.Ctx.GetAny(ctxBackoff).(backoff.BackOff)
	if !ok {
		exp := backoff.NewExponentialBackOff()
		if r.cfg.RetryInitialInterval > 0 {
			exp.InitialInterval = r.cfg.RetryInitialInterval
		}
		bo = backoff.WithMaxRetries(exp, uint64(max(r.cfg.RetryAttempts, 0)))
		resp.Ctx.Put(ctxBackoff, bo)
	}

	wait := bo.NextBackOff()
	if wait == backoff.Stop {
		return false
	}

	r.logger.DebugContext(r.ctx, "retrying fetch", "url", resp.Ctx.Get(ctxURL), "status", resp.StatusCode, "wait", wait, "error", visitErr)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-r.ctx.Done():
		return true
	case <-timer.C:
	}

	if err := resp.Request.Retry(); err != nil {
		r.logger.WarnContext(r.ctx, "retry failed", "url", resp.Ctx.Get(ctxURL), "error", err)
		return false
	}
	return true
}

// isTransient reports whether a failure is worth retrying: network errors,
// timeouts, 5xx and 429.
func isTransient(resp *colly.Response, err error) bool {
	if errors.Is(err, ErrRedirectOutOfScope) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch {
	case resp.StatusCode == 0:
		return true
	case resp.StatusCode == http.StatusTooManyRequests:
		return true
	case resp.StatusCode >= http.StatusInternalServerError:
		return true
	}
	return false
}

func (r *run) emit(res Resource) {
	select {
	case r.out <- res:
	case <-r.ctx.Done():
	}
}
