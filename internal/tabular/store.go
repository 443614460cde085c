// Package tabular stores case records as Parquet part files. Every Append
// writes one new immutable part; reading merges all parts and keeps the
// newest record per case.
package tabular

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/JakeFAU/stf-case-fetcher/internal/caseid"
	"github.com/JakeFAU/stf-case-fetcher/internal/casefetch"
)

const (
	partPrefix  = "part-"
	partSuffix  = ".parquet"
	contentType = "application/vnd.apache.parquet"
)

// BlobStore is where part files live: a local directory, a bucket prefix
// or memory.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	ListObjects(ctx context.Context, prefix string) ([]string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
	URI() string
}

// row is the on-disk layout. List fields are JSON strings.
type row struct {
	ProcessoNumero   string `parquet:"processo_numero"`
	ClasseProcessual string `parquet:"classe_processual"`
	Assunto          string `parquet:"assunto"`
	Relator          string `parquet:"relator"`
	Origem           string `parquet:"origem"`
	DataAutuacao     string `parquet:"data_autuacao"`
	Status           string `parquet:"status"`
	Partes           string `parquet:"partes"`
	Movimentacoes    string `parquet:"movimentacoes"`
	Documentos       string `parquet:"documentos"`
	Decisoes         string `parquet:"decisoes"`
	TextoIntegral    string `parquet:"texto_integral"`
	URLProcesso      string `parquet:"url_processo"`
	FonteDados       string `parquet:"fonte_dados"`
	DataExtracao     string `parquet:"data_extracao"`
	ErroParsing      string `parquet:"erro_parsing"`
	TipoErro         string `parquet:"tipo_erro"`
	TamanhoTexto     int64  `parquet:"tamanho_texto"`
	SucessoExtracao  bool   `parquet:"sucesso_extracao"`
	HashConteudo     string `parquet:"hash_conteudo"`
	TextoPDFs        string `parquet:"texto_pdfs"`
	NumPDFsExtraidos int64  `parquet:"num_pdfs_extraidos"`
}

// Config tunes the store.
type Config struct {
	// Compression is snappy (default), zstd, gzip or none.
	Compression string
}

// Store implements casefetch.TabularStore.
type Store struct {
	blobs BlobStore
	ids   casefetch.IDGenerator
	codec compress.Codec
}

// New builds a Store over blobs. Part names come from ids, which must be
// time ordered so lexical order matches write order.
func New(blobs BlobStore, ids casefetch.IDGenerator, cfg Config) (*Store, error) {
	codec, err := codecFor(cfg.Compression)
	if err != nil {
		return nil, err
	}
	return &Store{blobs: blobs, ids: ids, codec: codec}, nil
}

func codecFor(name string) (compress.Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "snappy":
		return &parquet.Snappy, nil
	case "zstd":
		return &parquet.Zstd, nil
	case "gzip":
		return &parquet.Gzip, nil
	case "none", "uncompressed":
		return &parquet.Uncompressed, nil
	default:
		return nil, &casefetch.ConfigurationError{Field: "output.compression", Reason: fmt.Sprintf("unknown codec %q", name)}
	}
}

// URI identifies the dataset.
func (s *Store) URI() string {
	return s.blobs.URI()
}

// Append writes records as a new part file and returns its URI.
func (s *Store) Append(ctx context.Context, records []casefetch.CaseRecord) (string, error) {
	if len(records) == 0 {
		return "", nil
	}
	rows := make([]row, len(records))
	for i, rec := range records {
		r, err := encode(rec)
		if err != nil {
			return "", err
		}
		rows[i] = r
	}
	var buf bytes.Buffer
	if err := parquet.Write(&buf, rows, parquet.Compression(s.codec)); err != nil {
		return "", fmt.Errorf("encode parquet: %w", err)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return "", err
	}
	uri, err := s.blobs.PutObject(ctx, partPrefix+id+partSuffix, contentType, &buf)
	if err != nil {
		return "", fmt.Errorf("write part: %w", err)
	}
	return uri, nil
}

// ReadAll returns one record per case across every part. When a case
// appears in several parts the one from the latest part wins.
func (s *Store) ReadAll(ctx context.Context) ([]casefetch.CaseRecord, error) {
	names, err := s.blobs.ListObjects(ctx, partPrefix)
	if err != nil {
		return nil, err
	}
	latest := make(map[caseid.ID]casefetch.CaseRecord)
	var order []caseid.ID
	for _, name := range names {
		if !strings.HasSuffix(name, partSuffix) {
			continue
		}
		data, err := s.blobs.GetObject(ctx, name)
		if err != nil {
			return nil, err
		}
		rows, err := parquet.Read[row](bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		for _, r := range rows {
			rec, err := decode(r)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", name, err)
			}
			if _, seen := latest[rec.CaseID]; !seen {
				order = append(order, rec.CaseID)
			}
			latest[rec.CaseID] = rec
		}
	}
	out := make([]casefetch.CaseRecord, len(order))
	for i, id := range order {
		out[i] = latest[id]
	}
	return out, nil
}

func encode(rec casefetch.CaseRecord) (row, error) {
	f := rec.Fields
	r := row{
		ProcessoNumero:   rec.CaseID.String(),
		ClasseProcessual: f.Class,
		Assunto:          f.Subject,
		Relator:          f.Rapporteur,
		Origem:           f.Origin,
		DataAutuacao:     f.FiledAt,
		Status:           f.Status,
		TextoIntegral:    f.FullText,
		URLProcesso:      f.URL,
		FonteDados:       string(rec.Source),
		DataExtracao:     rec.ExtractedAt.UTC().Format(time.RFC3339),
		ErroParsing:      rec.Error,
		TipoErro:         string(rec.ErrorKind),
		TamanhoTexto:     int64(utf8.RuneCountInString(f.FullText)),
		SucessoExtracao:  rec.Success,
		HashConteudo:     rec.ContentHash,
		TextoPDFs:        f.PDFText,
		NumPDFsExtraidos: int64(f.PDFCount),
	}
	if r.ErroParsing == "" {
		r.ErroParsing = f.ParseError
	}
	var err error
	if r.Partes, err = jsonList(f.Parties); err != nil {
		return row{}, err
	}
	if r.Movimentacoes, err = jsonList(f.Movements); err != nil {
		return row{}, err
	}
	if r.Documentos, err = jsonList(f.Documents); err != nil {
		return row{}, err
	}
	if r.Decisoes, err = jsonList(f.Decisions); err != nil {
		return row{}, err
	}
	return r, nil
}

func jsonList[T any](items []T) (string, error) {
	if items == nil {
		items = []T{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode list column: %w", err)
	}
	return string(b), nil
}

func decode(r row) (casefetch.CaseRecord, error) {
	at, err := time.Parse(time.RFC3339, r.DataExtracao)
	if err != nil {
		return casefetch.CaseRecord{}, fmt.Errorf("data_extracao %q: %w", r.DataExtracao, err)
	}
	rec := casefetch.CaseRecord{
		CaseID: caseid.ID(r.ProcessoNumero),
		Fields: casefetch.Fields{
			Class:      r.ClasseProcessual,
			Subject:    r.Assunto,
			Rapporteur: r.Relator,
			Origin:     r.Origem,
			FiledAt:    r.DataAutuacao,
			Status:     r.Status,
			FullText:   r.TextoIntegral,
			URL:        r.URLProcesso,
			PDFText:    r.TextoPDFs,
			PDFCount:   int(r.NumPDFsExtraidos),
		},
		Source:      casefetch.Source(r.FonteDados),
		ExtractedAt: at,
		Success:     r.SucessoExtracao,
		ErrorKind:   casefetch.FailureKind(r.TipoErro),
		Error:       r.ErroParsing,
		ContentHash: r.HashConteudo,
	}
	lists := []struct {
		raw string
		dst any
	}{
		{r.Partes, &rec.Fields.Parties},
		{r.Movimentacoes, &rec.Fields.Movements},
		{r.Documentos, &rec.Fields.Documents},
		{r.Decisoes, &rec.Fields.Decisions},
	}
	for _, l := range lists {
		if l.raw == "" || l.raw == "[]" {
			continue
		}
		if err := json.Unmarshal([]byte(l.raw), l.dst); err != nil {
			return casefetch.CaseRecord{}, fmt.Errorf("decode list column: %w", err)
		}
	}
	return rec, nil
}

// TextSize is the tamanho_texto value of rec.
func TextSize(rec casefetch.CaseRecord) int {
	return utf8.RuneCountInString(rec.Fields.FullText)
}
