// Package headless executes provider map searches with a headless browser.
// Map results render client-side, so a plain HTTP fetch returns an empty
// shell; chromedp drives real Chrome and hands back the hydrated DOM.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/placegrid/harvester/internal/harvest"
)

// Config controls the behavior of the headless adapter.
type Config struct {
	// BaseURL is the provider's map search endpoint.
	BaseURL string

	// Language is passed as the hl query parameter.
	Language string

	// MaxParallel bounds concurrent browser tabs. Zero means unbounded.
	MaxParallel int

	UserAgent         string
	NavigationTimeout time.Duration

	// ScrollPasses is how many times the result feed is scrolled to force
	// lazy batches to load.
	ScrollPasses int

	// ResultCap is the provider's hard ceiling on results per search.
	// Hitting it means the cell is saturated and must be subdivided.
	ResultCap int
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "https://www.google.com/maps/search/"
	}
	if c.Language == "" {
		c.Language = "en"
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 45 * time.Second
	}
	if c.ScrollPasses <= 0 {
		c.ScrollPasses = 6
	}
	if c.ResultCap <= 0 {
		c.ResultCap = 100
	}
	return c
}

// Adapter implements harvest.Adapter using chromedp and headless Chrome.
type Adapter struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// New creates a headless adapter backed by chromedp.
func New(cfg Config, logger *zap.Logger) (*Adapter, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	cfg = cfg.withDefaults()

	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("lang", cfg.Language),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Adapter{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

// Close cancels the allocator context.
func (a *Adapter) Close() {
	a.allocCancel()
}

// Execute renders the search for the item's cell and category and extracts
// candidate places from the result feed.
func (a *Adapter) Execute(ctx context.Context, item harvest.WorkItem) (harvest.FetchResult, error) {
	if err := a.acquire(ctx); err != nil {
		return harvest.FetchResult{}, err
	}
	defer a.release()

	taskCtx, taskCancel := chromedp.NewContext(a.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, a.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	searchURL := a.searchURL(item)
	html, err := a.render(taskCtx, searchURL)
	if err != nil {
		// Navigation failures, including deadline expiry mid-render, are
		// paced like timeouts.
		return harvest.FetchResult{}, harvest.NewFetchError(harvest.FetchTimeout, err)
	}

	status, finalURL := meta.snapshotWithFallbacks(searchURL)
	if kind, blocked := classifyResponse(status, finalURL, html); blocked {
		return harvest.FetchResult{}, harvest.NewFetchError(kind, fmt.Errorf("provider response %d at %s", status, finalURL))
	}

	candidates, err := ParseResults(html, item)
	if err != nil {
		return harvest.FetchResult{Payload: []byte(html), SourceURL: finalURL},
			harvest.NewFetchError(harvest.FetchParseFailure, err)
	}

	result := harvest.FetchResult{
		Candidates: candidates,
		Payload:    []byte(html),
		SourceURL:  finalURL,
	}
	if len(candidates) >= a.cfg.ResultCap {
		return result, harvest.NewFetchError(harvest.FetchResultCapExceeded,
			fmt.Errorf("feed returned %d results at cap %d", len(candidates), a.cfg.ResultCap))
	}
	return result, nil
}

// searchURL centers the provider map on the cell and searches the category
// query. The zoom is derived from the cell resolution so the viewport
// roughly matches the cell footprint.
func (a *Adapter) searchURL(item harvest.WorkItem) string {
	query := item.Category.Query
	if query == "" {
		query = item.Category.Name
	}
	zoom := zoomForResolution(item.Cell.Resolution)
	return fmt.Sprintf("%s%s/@%.6f,%.6f,%dz?hl=%s",
		a.cfg.BaseURL, url.PathEscape(query), item.Cell.Lat, item.Cell.Lng, zoom, a.cfg.Language)
}

func zoomForResolution(resolution int) int {
	// Resolution 9 hexes are roughly 170m across, a comfortable fit at
	// zoom 16. Each finer resolution roughly halves the edge length.
	zoom := resolution + 7
	if zoom < 10 {
		zoom = 10
	}
	if zoom > 21 {
		zoom = 21
	}
	return zoom
}

func (a *Adapter) render(ctx context.Context, searchURL string) (string, error) {
	var html string
	actions := []chromedp.Action{
		a.networkSetupAction(),
		chromedp.Navigate(searchURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
	}
	for i := 0; i < a.cfg.ScrollPasses; i++ {
		actions = append(actions,
			chromedp.Evaluate(scrollFeedJS, nil),
			chromedp.Sleep(400*time.Millisecond),
		)
	}
	actions = append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, nil
}

// scrollFeedJS scrolls the result feed pane, not the window; the feed is
// the only scrollable region on the search page.
const scrollFeedJS = `(() => {
	const feed = document.querySelector('div[role="feed"]');
	if (feed) { feed.scrollTop = feed.scrollHeight; }
})()`

func (a *Adapter) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if a.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(a.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (a *Adapter) acquire(ctx context.Context) error {
	if a.limiter == nil {
		return nil
	}
	select {
	case a.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (a *Adapter) release() {
	if a.limiter == nil {
		return
	}
	select {
	case <-a.limiter:
	default:
	}
}

// classifyResponse maps block signals to failure kinds. Rate limiting shows
// up as HTTP 429; interstitial challenges redirect to a /sorry/ page or
// render an unusual-traffic notice.
func classifyResponse(status int, finalURL, html string) (harvest.FetchErrorKind, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return harvest.FetchRateLimited, true
	case strings.Contains(finalURL, "/sorry/"):
		return harvest.FetchBlocked, true
	case strings.Contains(html, "unusual traffic"):
		return harvest.FetchBlocked, true
	case status >= 400:
		return harvest.FetchBlocked, true
	}
	return "", false
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshotWithFallbacks(requestURL string) (int, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, finalURL := m.status, m.url
	if finalURL == "" {
		finalURL = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, finalURL
}
