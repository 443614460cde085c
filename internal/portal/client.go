// Package portal retrieves a single case from the STF portal: it builds the
// case URL, fetches the page, falls back to a headless render when the
// plain response is blocked or empty, and classifies the outcome. Linked
// PDF documents can be downloaded for their text layer.
package portal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/stf-case-fetcher/internal/caseid"
	"github.com/JakeFAU/stf-case-fetcher/internal/casefetch"
	"github.com/JakeFAU/stf-case-fetcher/internal/extract"
	"github.com/JakeFAU/stf-case-fetcher/internal/fetcher"
	"github.com/JakeFAU/stf-case-fetcher/internal/pdftext"
)

// DefaultURLTemplate is the case detail page; %s receives the case number.
const DefaultURLTemplate = "https://portal.stf.jus.br/processos/detalhe.asp?incidente=%s"

// DefaultMaxPDFs caps document downloads per case.
const DefaultMaxPDFs = 5

// Config controls URL building and document downloads.
type Config struct {
	URLTemplate string
	// ExtractPDFs downloads the first MaxPDFs linked documents of every
	// parsed page and keeps their text.
	ExtractPDFs bool
	MaxPDFs     int
}

// Gate paces requests to the portal. The caller gates the page request;
// the client acquires a permit for every extra request it makes.
type Gate interface {
	Acquire(ctx context.Context, route casefetch.Route) error
}

// RenderDetector flags pages that must be rendered headless.
type RenderDetector interface {
	NeedsRender(resp fetcher.Response) bool
}

// Client implements casefetch.PortalClient.
type Client struct {
	cfg       Config
	page      fetcher.Fetcher
	headless  fetcher.Fetcher
	detector  RenderDetector
	gate      Gate
	extractor *extract.Extractor
	hasher    casefetch.Hasher
	clock     casefetch.Clock
	logger    *zap.Logger
}

// Deps bundles the collaborators of a Client. Headless, Detector and Gate
// may be nil; without a Gate extra requests go out unpaced.
type Deps struct {
	Page      fetcher.Fetcher
	Headless  fetcher.Fetcher
	Detector  RenderDetector
	Gate      Gate
	Extractor *extract.Extractor
	Hasher    casefetch.Hasher
	Clock     casefetch.Clock
	Logger    *zap.Logger
}

// New constructs a Client.
func New(cfg Config, deps Deps) (*Client, error) {
	if deps.Page == nil || deps.Extractor == nil || deps.Hasher == nil || deps.Clock == nil {
		return nil, errors.New("portal client requires page fetcher, extractor, hasher and clock")
	}
	if cfg.URLTemplate == "" {
		cfg.URLTemplate = DefaultURLTemplate
	}
	if strings.Count(cfg.URLTemplate, "%s") != 1 {
		return nil, fmt.Errorf("portal url template %q must contain exactly one %%s", cfg.URLTemplate)
	}
	if cfg.MaxPDFs <= 0 {
		cfg.MaxPDFs = DefaultMaxPDFs
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:       cfg,
		page:      deps.Page,
		headless:  deps.Headless,
		detector:  deps.Detector,
		gate:      deps.Gate,
		extractor: deps.Extractor,
		hasher:    deps.Hasher,
		clock:     deps.Clock,
		logger:    logger,
	}, nil
}

// URL returns the detail page for id.
func (c *Client) URL(id caseid.ID) string {
	return fmt.Sprintf(c.cfg.URLTemplate, url.QueryEscape(id.String()))
}

// Fetch performs one retrieval attempt for id.
func (c *Client) Fetch(ctx context.Context, id caseid.ID) (casefetch.Payload, error) {
	target := c.URL(id)
	resp, err := c.page.Fetch(ctx, fetcher.Request{URL: target})
	if err != nil {
		if ctx.Err() != nil {
			return casefetch.Payload{}, fmt.Errorf("portal fetch %s: %w", id, ctx.Err())
		}
		return casefetch.Payload{}, &casefetch.TransientFetchError{
			Kind: casefetch.FailureTransient,
			Err:  fmt.Errorf("portal fetch %s: %w", id, err),
		}
	}

	var fields casefetch.Fields
	parsed := false
	if isSuccess(resp.StatusCode) {
		if fields, err = c.extractor.Parse(resp.Body, target); err != nil {
			return casefetch.Payload{}, err
		}
		parsed = true
	}

	if c.headless != nil && c.needsRender(resp, parsed, fields) {
		rendered, rfields, rerr := c.render(ctx, target)
		switch {
		case rerr != nil && ctx.Err() != nil:
			return casefetch.Payload{}, fmt.Errorf("portal render %s: %w", id, ctx.Err())
		case rerr != nil:
			c.logger.Warn("headless render failed",
				zap.String("case_id", id.String()),
				zap.Int("status", resp.StatusCode),
				zap.Error(rerr),
			)
		default:
			resp, fields, parsed = rendered, rfields, true
		}
	}

	if !isSuccess(resp.StatusCode) {
		retryAfter := casefetch.ParseRetryAfter(resp.Headers.Get("Retry-After"), c.clock.Now())
		return casefetch.Payload{HTTPStatus: resp.StatusCode}, fmt.Errorf("portal %s: %w", id, casefetch.StatusError(resp.StatusCode, retryAfter))
	}
	if !parsed || fields.Empty() {
		return casefetch.Payload{HTTPStatus: resp.StatusCode}, fmt.Errorf("portal %s: page has no case content: %w", id, casefetch.ErrNotFound)
	}

	hash, err := c.hasher.Hash(resp.Body)
	if err != nil {
		return casefetch.Payload{}, fmt.Errorf("hash page: %w", err)
	}
	if c.cfg.ExtractPDFs {
		c.documentTexts(ctx, id, &fields)
	}
	return casefetch.Payload{Fields: fields, ContentHash: hash, HTTPStatus: resp.StatusCode}, nil
}

func (c *Client) render(ctx context.Context, target string) (fetcher.Response, casefetch.Fields, error) {
	if err := c.acquire(ctx); err != nil {
		return fetcher.Response{}, casefetch.Fields{}, err
	}
	resp, err := c.headless.Fetch(ctx, fetcher.Request{URL: target})
	if err != nil {
		return fetcher.Response{}, casefetch.Fields{}, err
	}
	if !isSuccess(resp.StatusCode) {
		return fetcher.Response{}, casefetch.Fields{}, fmt.Errorf("headless status %d", resp.StatusCode)
	}
	fields, err := c.extractor.Parse(resp.Body, target)
	if err != nil {
		return fetcher.Response{}, casefetch.Fields{}, err
	}
	return resp, fields, nil
}

// documentTexts downloads the first MaxPDFs documents and keeps the text
// of those that are PDFs with a text layer. Failures only cost the
// document; the page itself already succeeded.
func (c *Client) documentTexts(ctx context.Context, id caseid.ID, fields *casefetch.Fields) {
	docs := fields.Documents
	if len(docs) > c.cfg.MaxPDFs {
		docs = docs[:c.cfg.MaxPDFs]
	}
	var texts []string
	for _, doc := range docs {
		text, err := c.documentText(ctx, doc.URL)
		if ctx.Err() != nil {
			c.logger.Warn("document downloads interrupted",
				zap.String("case_id", id.String()),
				zap.Int("extracted", len(texts)),
				zap.Error(ctx.Err()),
			)
			break
		}
		if err != nil {
			c.logger.Debug("document skipped",
				zap.String("case_id", id.String()),
				zap.String("url", doc.URL),
				zap.Error(err),
			)
			continue
		}
		texts = append(texts, text)
	}
	fields.PDFText = strings.Join(texts, " ")
	fields.PDFCount = len(texts)
}

func (c *Client) documentText(ctx context.Context, target string) (string, error) {
	if err := c.acquire(ctx); err != nil {
		return "", err
	}
	resp, err := c.page.Fetch(ctx, fetcher.Request{
		URL:     target,
		Headers: http.Header{"Accept": {"application/pdf,*/*;q=0.8"}},
	})
	if err != nil {
		return "", err
	}
	if !isSuccess(resp.StatusCode) {
		return "", fmt.Errorf("document status %d", resp.StatusCode)
	}
	if !pdftext.IsPDF(resp.Body) {
		return "", fmt.Errorf("document is %q, not a pdf", resp.Headers.Get("Content-Type"))
	}
	return pdftext.Extract(resp.Body)
}

func (c *Client) acquire(ctx context.Context) error {
	if c.gate == nil {
		return nil
	}
	return c.gate.Acquire(ctx, casefetch.RoutePortal)
}

func (c *Client) needsRender(resp fetcher.Response, parsed bool, fields casefetch.Fields) bool {
	switch {
	case resp.StatusCode == http.StatusForbidden:
		return true
	case parsed && fields.Empty():
		return true
	case c.detector != nil:
		return c.detector.NeedsRender(resp)
	default:
		return false
	}
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
