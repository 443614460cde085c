// Package bigquery looks cases up in the basedosdados STF decisions table.
package bigquery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/JakeFAU/stf-case-fetcher/internal/caseid"
	"github.com/JakeFAU/stf-case-fetcher/internal/casefetch"
)

// DefaultTable is the public basedosdados decisions table.
const DefaultTable = "basedosdados.br_stf_decisoes.decisao"

var tableName = regexp.MustCompile(`^[A-Za-z0-9_\-]+\.[A-Za-z0-9_]+\.[A-Za-z0-9_]+$`)

// decisionRow is one row of the decisions table. A case has one row per
// recorded decision.
type decisionRow struct {
	CaseNumber   string              `bigquery:"numero_processo"`
	Class        bigquery.NullString `bigquery:"classe"`
	Subject      bigquery.NullString `bigquery:"assunto_processo"`
	Rapporteur   bigquery.NullString `bigquery:"relator"`
	FiledAt      bigquery.NullDate   `bigquery:"data_autuacao"`
	DecisionDate bigquery.NullDate   `bigquery:"data_decisao"`
	DecisionKind bigquery.NullString `bigquery:"tipo_julgamento"`
	Decision     bigquery.NullString `bigquery:"andamento"`
	Observation  bigquery.NullString `bigquery:"observacao_andamento_decisao"`
	Link         bigquery.NullString `bigquery:"link"`
}

type rowIterator interface {
	Next(dst interface{}) error
}

type rowQuerier interface {
	Query(ctx context.Context, sql string, params []bigquery.QueryParameter) (rowIterator, error)
}

type clientQuerier struct {
	client *bigquery.Client
}

func (c clientQuerier) Query(ctx context.Context, sql string, params []bigquery.QueryParameter) (rowIterator, error) {
	q := c.client.Query(sql)
	q.Parameters = params
	it, err := q.Read(ctx)
	if err != nil {
		return nil, err
	}
	return it, nil
}

// Config controls the lookup.
type Config struct {
	ProjectID     string
	Table         string
	PrefetchChunk int
}

// Source implements casefetch.StructuredSource. Warm prefetches rows for a
// batch of cases; Lookup answers from that cache when the case was covered
// and queries on demand otherwise.
type Source struct {
	querier rowQuerier
	client  *bigquery.Client
	query   string
	chunk   int
	hasher  casefetch.Hasher
	logger  *zap.Logger

	mu     sync.RWMutex
	cache  map[caseid.ID]casefetch.Payload
	warmed map[caseid.ID]struct{}
}

// New connects to BigQuery. Authentication follows Application Default
// Credentials unless opts say otherwise.
func New(ctx context.Context, cfg Config, hasher casefetch.Hasher, logger *zap.Logger, opts ...option.ClientOption) (*Source, error) {
	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bigquery client: %w", err)
	}
	s, err := newSource(clientQuerier{client: client}, cfg, hasher, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.client = client
	return s, nil
}

func newSource(q rowQuerier, cfg Config, hasher casefetch.Hasher, logger *zap.Logger) (*Source, error) {
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, &casefetch.ConfigurationError{Field: "structured.table", Reason: fmt.Sprintf("%q is not project.dataset.table", table)}
	}
	chunk := cfg.PrefetchChunk
	if chunk <= 0 {
		chunk = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		querier: q,
		query: fmt.Sprintf("SELECT numero_processo, classe, assunto_processo, relator, data_autuacao, data_decisao, "+
			"tipo_julgamento, andamento, observacao_andamento_decisao, link FROM `%s` "+
			"WHERE numero_processo IN UNNEST(@ids) ORDER BY numero_processo, data_decisao", table),
		chunk:  chunk,
		hasher: hasher,
		logger: logger,
		cache:  make(map[caseid.ID]casefetch.Payload),
		warmed: make(map[caseid.ID]struct{}),
	}, nil
}

// Close releases the BigQuery client.
func (s *Source) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Warm prefetches the given cases in chunks. A chunk that fails is left
// uncovered so its cases fall back to per-case queries.
func (s *Source) Warm(ctx context.Context, ids []caseid.ID) error {
	var firstErr error
	for start := 0; start < len(ids); start += s.chunk {
		end := min(start+s.chunk, len(ids))
		chunk := ids[start:end]
		found, err := s.fetch(ctx, chunk)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("warm structured cache: %w", ctx.Err())
			}
			s.logger.Warn("structured prefetch chunk failed",
				zap.Int("chunk_start", start),
				zap.Int("chunk_size", len(chunk)),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.mu.Lock()
		for _, id := range chunk {
			s.warmed[id] = struct{}{}
		}
		for id, p := range found {
			s.cache[id] = p
		}
		s.mu.Unlock()
		s.logger.Debug("structured prefetch chunk loaded",
			zap.Int("chunk_size", len(chunk)),
			zap.Int("hits", len(found)),
		)
	}
	return firstErr
}

// Lookup returns the structured payload for id or ErrNotFound.
func (s *Source) Lookup(ctx context.Context, id caseid.ID) (casefetch.Payload, error) {
	s.mu.RLock()
	p, hit := s.cache[id]
	_, covered := s.warmed[id]
	s.mu.RUnlock()
	if hit {
		p.Cached = true
		return p, nil
	}
	if covered {
		return casefetch.Payload{}, fmt.Errorf("structured %s: %w", id, casefetch.ErrNotFound)
	}

	found, err := s.fetch(ctx, []caseid.ID{id})
	if err != nil {
		return casefetch.Payload{}, err
	}
	if p, ok := found[id]; ok {
		return p, nil
	}
	return casefetch.Payload{}, fmt.Errorf("structured %s: %w", id, casefetch.ErrNotFound)
}

func (s *Source) fetch(ctx context.Context, ids []caseid.ID) (map[caseid.ID]casefetch.Payload, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}
	it, err := s.querier.Query(ctx, s.query, []bigquery.QueryParameter{{Name: "ids", Value: keys}})
	if err != nil {
		return nil, classify(ctx, err)
	}

	grouped := make(map[caseid.ID]*casefetch.Fields)
	var order []caseid.ID
	for {
		var row decisionRow
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classify(ctx, err)
		}
		id, err := caseid.Parse(row.CaseNumber)
		if err != nil {
			s.logger.Debug("skipping structured row with invalid case number", zap.String("numero_processo", row.CaseNumber))
			continue
		}
		f, ok := grouped[id]
		if !ok {
			f = &casefetch.Fields{}
			grouped[id] = f
			order = append(order, id)
		}
		merge(f, row)
	}

	out := make(map[caseid.ID]casefetch.Payload, len(grouped))
	for _, id := range order {
		f := *grouped[id]
		raw, err := json.Marshal(f)
		if err != nil {
			return nil, fmt.Errorf("encode structured payload: %w", err)
		}
		hash, err := s.hasher.Hash(raw)
		if err != nil {
			return nil, fmt.Errorf("hash structured payload: %w", err)
		}
		out[id] = casefetch.Payload{Fields: f, ContentHash: hash}
	}
	return out, nil
}

func merge(f *casefetch.Fields, row decisionRow) {
	setOnce(&f.Class, row.Class)
	setOnce(&f.Subject, row.Subject)
	setOnce(&f.Rapporteur, row.Rapporteur)
	setOnce(&f.URL, row.Link)
	if f.FiledAt == "" && row.FiledAt.Valid {
		f.FiledAt = row.FiledAt.Date.String()
	}

	text := strings.TrimSpace(strings.Join(nonEmpty(row.Decision.StringVal, row.Observation.StringVal), "\n"))
	if text == "" {
		return
	}
	d := casefetch.Decision{Kind: "Decisão", Text: text}
	if row.DecisionKind.Valid && row.DecisionKind.StringVal != "" {
		d.Kind = row.DecisionKind.StringVal
	}
	if row.DecisionDate.Valid {
		d.Date = row.DecisionDate.Date.String()
	}
	f.Decisions = append(f.Decisions, d)
}

func setOnce(dst *string, v bigquery.NullString) {
	if *dst == "" && v.Valid {
		*dst = strings.TrimSpace(v.StringVal)
	}
}

func nonEmpty(values ...string) []string {
	out := values[:0]
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

// classify maps BigQuery API errors onto the fetch taxonomy. Quota and
// backend errors are retried; bad requests and access denials are not.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("structured query: %w", ctx.Err())
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return &casefetch.TransientFetchError{Kind: casefetch.FailureRateLimited, StatusCode: apiErr.Code, Err: err}
		case apiErr.Code >= 500:
			return &casefetch.TransientFetchError{Kind: casefetch.FailureTransient, StatusCode: apiErr.Code, Err: err}
		case apiErr.Code >= 400:
			return &casefetch.PermanentFetchError{StatusCode: apiErr.Code, Err: err}
		}
	}
	return &casefetch.TransientFetchError{Kind: casefetch.FailureTransient, Err: fmt.Errorf("structured query: %w", err)}
}
