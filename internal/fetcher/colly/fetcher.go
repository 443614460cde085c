// Package collyfetcher implements fetcher.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/extensions"
	"github.com/gocolly/colly/v2/proxy"

	"github.com/JakeFAU/stf-case-fetcher/internal/fetcher"
)

const (
	defaultTimeout = 30 * time.Second
	// Case pages with every tab inlined stay well under this.
	defaultMaxBodySize = 16 << 20
	acceptLanguage     = "pt-BR,pt;q=0.9,en;q=0.5"
)

// Config controls collector behavior.
type Config struct {
	Timeout time.Duration
	// MaxBodySize truncates larger bodies. Zero uses 16 MiB.
	MaxBodySize int
	// Proxies rotate round-robin across requests when non-empty.
	Proxies []string
	// Identities rotate the User-Agent header. When it is empty and
	// RandomUserAgent is set, colly picks a random browser identity.
	Identities      *fetcher.Rotator
	RandomUserAgent bool
}

// Fetcher implements fetcher.Fetcher. Each Fetch runs on a clone of one
// base collector so connections and proxy rotation are shared.
type Fetcher struct {
	cfg  Config
	base *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) (*Fetcher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}

	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(cfg.MaxBodySize),
	)
	c.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 15 * time.Second,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	})
	c.SetRequestTimeout(cfg.Timeout)

	if len(cfg.Proxies) > 0 {
		switcher, err := proxy.RoundRobinProxySwitcher(cfg.Proxies...)
		if err != nil {
			return nil, fmt.Errorf("configure proxies: %w", err)
		}
		c.SetProxyFunc(switcher)
	}
	return &Fetcher{cfg: cfg, base: c}, nil
}

// Fetch executes a single GET. Every HTTP status comes back as a
// response; an error means the request never completed.
func (f *Fetcher) Fetch(ctx context.Context, request fetcher.Request) (fetcher.Response, error) {
	v := &visit{request: request, start: time.Now()}

	c := f.base.Clone()
	c.Context = ctx
	c.ParseHTTPErrorResponse = true
	switch ua := f.userAgent(request); {
	case ua != "":
		c.UserAgent = ua
	case f.cfg.RandomUserAgent:
		extensions.RandomUserAgent(c)
	}
	c.OnRequest(v.onRequest)
	c.OnResponse(v.onResponse)
	c.OnError(v.onError)

	done := make(chan error, 1)
	go func() { done <- c.Visit(request.URL) }()

	select {
	case <-ctx.Done():
		return fetcher.Response{}, fmt.Errorf("fetch %s: %w", request.URL, ctx.Err())
	case err := <-done:
		if err == nil {
			err = v.err
		}
		if err != nil {
			return fetcher.Response{}, fmt.Errorf("fetch %s: %w", request.URL, err)
		}
		return v.resp, nil
	}
}

func (f *Fetcher) userAgent(request fetcher.Request) string {
	if request.UserAgent != "" {
		return request.UserAgent
	}
	return f.cfg.Identities.Next()
}

// visit collects the callbacks of one collector run.
type visit struct {
	request fetcher.Request
	start   time.Time
	resp    fetcher.Response
	err     error
}

func (v *visit) onRequest(r *colly.Request) {
	for key, values := range v.request.Headers {
		for _, value := range values {
			r.Headers.Add(key, value)
		}
	}
	if r.Headers.Get("Accept-Language") == "" {
		r.Headers.Set("Accept-Language", acceptLanguage)
	}
}

func (v *visit) onResponse(r *colly.Response) {
	headers := http.Header{}
	if r.Headers != nil {
		headers = r.Headers.Clone()
	}
	v.resp = fetcher.Response{
		URL:        r.Request.URL.String(),
		StatusCode: r.StatusCode,
		Headers:    headers,
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(v.start),
	}
}

func (v *visit) onError(_ *colly.Response, err error) {
	v.err = err
}
