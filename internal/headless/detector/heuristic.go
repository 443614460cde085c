// Package detector decides when a portal page must be rendered in a
// headless browser before extraction.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/stf-case-fetcher/internal/fetcher"
)

// DefaultThreshold is the body size under which a script heavy page is
// treated as a shell.
const DefaultThreshold = 2048

// Heuristic flags pages that came back as script shells or bot
// challenges instead of case content.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector. A zero threshold uses
// DefaultThreshold.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var challengeMarkers = [][]byte{
	[]byte("challenge-platform"),
	[]byte("cf-browser-verification"),
	[]byte("enable javascript"),
	[]byte("habilite o javascript"),
}

// NeedsRender reports whether resp should be fetched again headless. Only
// 200 responses qualify; other statuses are classified as they are.
func (h *Heuristic) NeedsRender(resp fetcher.Response) bool {
	if resp.StatusCode != http.StatusOK || resp.UsedHeadless {
		return false
	}
	body := resp.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	lower := bytes.ToLower(body)
	for _, marker := range challengeMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return len(body) < h.BodyLengthThreshold && scriptDensityHigh(string(lower))
}

// scriptDensityHigh reports whether script elements cover at least a
// quarter of the lowercased document.
func scriptDensityHigh(lower string) bool {
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagEnd := strings.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			covered += total - start
			break
		}
		contentStart := start + tagEnd + 1
		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		covered += next - start
		pos = next
	}
	return covered*100/total >= 25
}
