// Package headless renders portal pages that need JavaScript through a
// headless Chrome driven by chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/stf-case-fetcher/internal/fetcher"
)

const (
	defaultNavTimeout = 45 * time.Second
	// The case page fills its tabs (partes, andamentos, decisões) through
	// XHR after the body is ready.
	defaultSettle = 1500 * time.Millisecond
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel bounds concurrent browser tabs; zero means unbounded.
	MaxParallel       int
	NavigationTimeout time.Duration
	// Settle is how long to wait after WaitSelector is ready.
	Settle       time.Duration
	WaitSelector string
	// ProxyServer routes the browser through a single proxy.
	ProxyServer string
	Identities  *fetcher.Rotator
}

// Fetcher implements fetcher.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	slots       *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher. The browser process starts on
// the first Fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("headless max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.Settle <= 0 {
		cfg.Settle = defaultSettle
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "body"
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ProxyServer != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.ProxyServer))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	f := &Fetcher{cfg: cfg, allocator: allocCtx, allocCancel: allocCancel}
	if cfg.MaxParallel > 0 {
		f.slots = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}
	return f, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch renders request.URL in a fresh tab and returns the final DOM.
func (f *Fetcher) Fetch(ctx context.Context, request fetcher.Request) (fetcher.Response, error) {
	if f.slots != nil {
		if err := f.slots.Acquire(ctx, 1); err != nil {
			return fetcher.Response{}, fmt.Errorf("wait for headless slot: %w", err)
		}
		defer f.slots.Release(1)
	}

	tab, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	tab, cancel := context.WithTimeout(tab, f.cfg.NavigationTimeout)
	defer cancel()
	// The caller's cancellation must also stop the tab.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	doc := &documentResponse{}
	chromedp.ListenTarget(tab, doc.observe)

	var html, location string
	start := time.Now()
	err := chromedp.Run(tab,
		f.prepare(request),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady(f.cfg.WaitSelector, chromedp.ByQuery),
		chromedp.Sleep(f.cfg.Settle),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return fetcher.Response{}, ctx.Err()
		}
		return fetcher.Response{}, fmt.Errorf("render %s: %w", request.URL, err)
	}

	status, headers, finalURL := doc.result(request.URL, location)
	return fetcher.Response{
		URL:          finalURL,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(html),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

// prepare sets the identity and extra headers of the tab.
func (f *Fetcher) prepare(request fetcher.Request) chromedp.Action {
	ua := request.UserAgent
	if ua == "" {
		ua = f.cfg.Identities.Next()
	}
	extra := network.Headers{"Accept-Language": "pt-BR,pt;q=0.9"}
	for key, values := range request.Headers {
		if len(values) > 0 {
			extra[key] = values[len(values)-1]
		}
	}
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network: %w", err)
		}
		if ua != "" {
			if err := emulation.SetUserAgentOverride(ua).Do(ctx); err != nil {
				return fmt.Errorf("set user agent: %w", err)
			}
		}
		return network.SetExtraHTTPHeaders(extra).Do(ctx)
	})
}

// documentResponse keeps the last main-document response seen by a tab.
type documentResponse struct {
	mu      sync.Mutex
	status  int
	url     string
	headers http.Header
}

func (d *documentResponse) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := toHTTPHeader(resp.Response.Headers)
	d.mu.Lock()
	d.status = int(resp.Response.Status)
	d.url = resp.Response.URL
	d.headers = headers
	d.mu.Unlock()
}

// result falls back to the navigated location and a 200 when no document
// event arrived, which happens for pages served from the browser cache.
func (d *documentResponse) result(requested, location string) (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, url, headers := d.status, d.url, d.headers.Clone()
	if status == 0 {
		status = http.StatusOK
	}
	if url == "" {
		url = location
	}
	if url == "" {
		url = requested
	}
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, url
}

func toHTTPHeader(src network.Headers) http.Header {
	out := make(http.Header, len(src))
	for key, value := range src {
		switch v := value.(type) {
		case string:
			out.Add(key, v)
		case []any:
			for _, item := range v {
				out.Add(key, fmt.Sprint(item))
			}
		default:
			out.Add(key, fmt.Sprint(v))
		}
	}
	return out
}
