// Package extract turns a portal case page into structured fields.
package extract

import (
	"bytes"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"

	"github.com/JakeFAU/stf-case-fetcher/internal/casefetch"
)

const (
	minDecisionRunes = 100
	minFullTextRunes = 500
)

var (
	labelClass      = regexp.MustCompile(`(?i)^\s*classe`)
	labelSubject    = regexp.MustCompile(`(?i)^\s*assunto`)
	labelRapporteur = regexp.MustCompile(`(?i)^\s*relator`)
	labelOrigin     = regexp.MustCompile(`(?i)^\s*origem`)
	labelFiledAt    = regexp.MustCompile(`(?i)^\s*data.*autua`)
	labelStatus     = regexp.MustCompile(`(?i)^\s*(status|situa)`)

	rolePetitioner = regexp.MustCompile(`(?i)(requerente|autor|impetrante|recorrente|reclamante)`)
	roleRespondent = regexp.MustCompile(`(?i)(requerido|réu|impetrado|recorrido|reclamado)`)
	roleCounsel    = regexp.MustCompile(`(?i)(advogad|procurador)`)
	partyName      = regexp.MustCompile(`:\s*([^(]+)`)

	documentHref = regexp.MustCompile(`(?i)\.pdf|documento|anexo|peca`)
	fullTextHost = regexp.MustCompile(`(?i)content|main|texto`)
	spaces       = regexp.MustCompile(`[ \t\r\f\v]+`)
	blankLines   = regexp.MustCompile(`\n\s*\n+`)
)

// Extractor parses portal pages.
type Extractor struct {
	base   *url.URL
	strict *bluemonday.Policy
}

// New builds an Extractor that resolves relative links against baseURL.
func New(baseURL string) (*Extractor, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return &Extractor{base: base, strict: bluemonday.StrictPolicy()}, nil
}

// Parse extracts case fields from an HTML page. A page that cannot be
// parsed as HTML is a permanent failure.
func (e *Extractor) Parse(page []byte, pageURL string) (casefetch.Fields, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return casefetch.Fields{}, &casefetch.PermanentFetchError{Err: fmt.Errorf("parse html: %w", err)}
	}
	f := casefetch.Fields{
		Class:      labeled(doc, "classe-processual", labelClass),
		Subject:    labeled(doc, "assunto", labelSubject),
		Rapporteur: labeled(doc, "relator", labelRapporteur),
		Origin:     labeled(doc, "origem", labelOrigin),
		FiledAt:    labeled(doc, "data-autuacao", labelFiledAt),
		Status:     labeled(doc, "status", labelStatus),
		Parties:    parties(doc),
		Movements:  movements(doc),
		Documents:  e.documents(doc),
		Decisions:  decisions(doc),
		FullText:   e.fullText(doc),
		URL:        pageURL,
	}
	return f, nil
}

func labeled(doc *goquery.Document, class string, label *regexp.Regexp) string {
	if s := doc.Find("span." + class).First(); s.Length() > 0 {
		text := Clean(s.Text())
		if _, after, ok := strings.Cut(text, ":"); ok && strings.TrimSpace(after) != "" {
			return strings.TrimSpace(after)
		}
		return text
	}
	var found *goquery.Selection
	doc.Find("td, th, strong, label, dt").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if label.MatchString(s.Text()) {
			found = s
			return false
		}
		return true
	})
	if found == nil {
		return ""
	}
	return textAfterLabel(found)
}

func textAfterLabel(s *goquery.Selection) string {
	text := Clean(s.Text())
	if _, after, ok := strings.Cut(text, ":"); ok && strings.TrimSpace(after) != "" {
		return strings.TrimSpace(after)
	}
	if next := s.Next(); next.Length() > 0 {
		return Clean(next.Text())
	}
	if parent := s.Parent(); parent.Length() > 0 {
		if _, after, ok := strings.Cut(Clean(parent.Text()), ":"); ok {
			return strings.TrimSpace(after)
		}
	}
	return ""
}

func parties(doc *goquery.Document) []casefetch.Party {
	var out []casefetch.Party
	doc.Find(`div[class*="part"], div[class*="polo"], table[class*="part"], table[class*="polo"]`).Each(
		func(_ int, section *goquery.Selection) {
			rows := section.Find("tr")
			if rows.Length() == 0 {
				rows = section.Find("div")
			}
			rows.Each(func(_ int, row *goquery.Selection) {
				text := Clean(row.Text())
				var role string
				switch {
				case rolePetitioner.MatchString(text):
					role = "Requerente"
				case roleRespondent.MatchString(text):
					role = "Requerido"
				case roleCounsel.MatchString(text):
					role = "Advogado"
				default:
					return
				}
				name := text
				if m := partyName.FindStringSubmatch(text); m != nil {
					name = strings.TrimSpace(m[1])
				}
				out = append(out, casefetch.Party{Role: role, Name: name, FullText: text})
			})
		})
	return out
}

func movements(doc *goquery.Document) []casefetch.Movement {
	var out []casefetch.Movement
	doc.Find(`table[class*="moviment"], table[class*="historic"], div[class*="moviment"], div[class*="historic"]`).Each(
		func(_ int, table *goquery.Selection) {
			table.Find("tr").Each(func(i int, row *goquery.Selection) {
				if i == 0 {
					return
				}
				cells := row.Find("td")
				if cells.Length() < 2 {
					return
				}
				out = append(out, casefetch.Movement{
					Date:        Clean(cells.Eq(0).Text()),
					Description: Clean(cells.Eq(1).Text()),
					FullText:    Clean(row.Text()),
				})
			})
		})
	return out
}

func (e *Extractor) documents(doc *goquery.Document) []casefetch.Document {
	var out []casefetch.Document
	seen := map[string]struct{}{}
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if href == "" || !documentHref.MatchString(href) {
			return
		}
		abs := href
		if ref, err := url.Parse(href); err == nil {
			abs = e.base.ResolveReference(ref).String()
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, casefetch.Document{
			Title: Clean(a.Text()),
			URL:   abs,
			Kind:  documentKind(href),
		})
	})
	return out
}

func decisions(doc *goquery.Document) []casefetch.Decision {
	var out []casefetch.Decision
	doc.Find(`div[class*="decisao"], div[class*="acordao"], div[class*="sentenca"], ` +
		`section[class*="decisao"], section[class*="acordao"], section[class*="sentenca"]`).Each(
		func(_ int, s *goquery.Selection) {
			text := Clean(s.Text())
			if utf8.RuneCountInString(text) <= minDecisionRunes {
				return
			}
			out = append(out, casefetch.Decision{Kind: decisionKind(text), Text: text})
		})
	return out
}

func (e *Extractor) fullText(doc *goquery.Document) string {
	var host *goquery.Selection
	doc.Find("div[class], section[class]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if class, _ := s.Attr("class"); fullTextHost.MatchString(class) {
			host = s.Clone()
			return false
		}
		return true
	})
	if host == nil {
		return ""
	}
	host.Find("script, style, nav, header, footer").Remove()
	host.Find("p, div, br, li, tr, h1, h2, h3, h4, h5, h6").AppendHtml("\n")
	markup, err := goquery.OuterHtml(host)
	if err != nil {
		return ""
	}
	text := CleanMultiline(html.UnescapeString(e.strict.Sanitize(markup)))
	if utf8.RuneCountInString(text) <= minFullTextRunes {
		return ""
	}
	return text
}

// Clean NFC-normalizes text and collapses all whitespace to single spaces.
func Clean(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// CleanMultiline normalizes text while keeping one line break between
// non-empty lines.
func CleanMultiline(s string) string {
	s = norm.NFC.String(s)
	s = spaces.ReplaceAllString(s, " ")
	s = blankLines.ReplaceAllString(s, "\n")
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func documentKind(href string) string {
	h := strings.ToLower(href)
	switch {
	case strings.Contains(h, "acordao"):
		return "Acórdão"
	case strings.Contains(h, "decisao"):
		return "Decisão"
	case strings.Contains(h, "despacho"):
		return "Despacho"
	case strings.Contains(h, "sentenca"):
		return "Sentença"
	case strings.Contains(h, "peticao"):
		return "Petição"
	case strings.Contains(h, ".pdf"):
		return "PDF"
	default:
		return "Documento"
	}
}

func decisionKind(text string) string {
	t := strings.ToLower(text)
	switch {
	case strings.Contains(t, "acórdão"):
		return "Acórdão"
	case strings.Contains(t, "decisão monocrática"):
		return "Decisão Monocrática"
	case strings.Contains(t, "despacho"):
		return "Despacho"
	case strings.Contains(t, "sentença"):
		return "Sentença"
	default:
		return "Decisão"
	}
}
