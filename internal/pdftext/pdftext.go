// Package pdftext reads the text layer of the PDF documents linked from a
// case page. Scanned documents without a text layer yield ErrNoText.
package pdftext

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/text/encoding/charmap"
)

// ErrNoText reports a readable PDF whose pages carry no text operators.
var ErrNoText = errors.New("pdf has no text layer")

var magic = []byte("%PDF-")

func init() {
	// Documents are read from memory with the built-in defaults; pdfcpu
	// would otherwise create a config directory under the user's home.
	api.DisableConfigDir()
}

// IsPDF reports whether data starts with the PDF header.
func IsPDF(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), magic)
}

// Extract returns the text of every page, one page per line.
func Extract(data []byte) (text string, err error) {
	if !IsPDF(data) {
		return "", errors.New("pdf: missing %PDF header")
	}
	// pdfcpu panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("pdf: malformed document: %v", r)
		}
	}()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return "", fmt.Errorf("pdf: read: %w", err)
	}

	pages := make([]string, 0, ctx.PageCount)
	for nr := 1; nr <= ctx.PageCount; nr++ {
		r, err := pdfcpu.ExtractPageContent(ctx, nr)
		if err != nil || r == nil {
			continue
		}
		content, err := io.ReadAll(r)
		if err != nil {
			continue
		}
		if t := PageText(content); t != "" {
			pages = append(pages, t)
		}
	}
	if len(pages) == 0 {
		return "", ErrNoText
	}
	return strings.Join(pages, "\n"), nil
}

// PageText interprets the text-showing operators of one content stream.
// Strings are collected until the operator that consumes them; positioning
// operators become spaces and line operators become newlines.
func PageText(content []byte) string {
	var (
		out     strings.Builder
		operand []string
	)
	show := func(prefix string) {
		if prefix != "" {
			out.WriteString(prefix)
		}
		for _, s := range operand {
			out.WriteString(s)
		}
	}

	for i := 0; i < len(content); {
		c := content[i]
		switch {
		case c == '%':
			for i < len(content) && content[i] != '\n' && content[i] != '\r' {
				i++
			}
		case c == '(':
			s, n := literal(content[i:])
			operand = append(operand, s)
			i += n
		case c == '<' && i+1 < len(content) && content[i+1] == '<':
			i += 2
		case c == '<':
			s, n := hexString(content[i:])
			operand = append(operand, s)
			i += n
		case c == '/':
			i++
			for i < len(content) && !isDelimiter(content[i]) {
				i++
			}
		case isOperatorByte(c):
			start := i
			for i < len(content) && isOperatorByte(content[i]) {
				i++
			}
			switch string(content[start:i]) {
			case "Tj", "TJ":
				show("")
			case "'", `"`:
				show("\n")
			case "T*":
				out.WriteByte('\n')
			case "Td", "TD", "Tm", "ET":
				out.WriteByte(' ')
			}
			operand = operand[:0]
		default:
			i++
		}
	}
	return clean(out.String())
}

func isOperatorByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '*' || c == '\'' || c == '"'
}

func isDelimiter(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\f', 0, '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

// literal decodes a (string) starting at data[0] and returns the text and
// the number of bytes consumed. Balanced parentheses nest.
func literal(data []byte) (string, int) {
	var raw []byte
	depth := 0
	i := 0
	for ; i < len(data); i++ {
		c := data[i]
		switch c {
		case '(':
			depth++
			if depth == 1 {
				continue
			}
		case ')':
			depth--
			if depth == 0 {
				return decode(raw), i + 1
			}
		case '\\':
			if i+1 >= len(data) {
				continue
			}
			i++
			switch e := data[i]; e {
			case 'n':
				raw = append(raw, '\n')
			case 'r':
				raw = append(raw, '\r')
			case 't':
				raw = append(raw, '\t')
			case 'b':
				raw = append(raw, '\b')
			case 'f':
				raw = append(raw, '\f')
			case '\r':
				if i+1 < len(data) && data[i+1] == '\n' {
					i++
				}
			case '\n':
			default:
				if e < '0' || e > '7' {
					raw = append(raw, e)
					continue
				}
				v := int(e - '0')
				for k := 0; k < 2 && i+1 < len(data) && data[i+1] >= '0' && data[i+1] <= '7'; k++ {
					i++
					v = v*8 + int(data[i]-'0')
				}
				raw = append(raw, byte(v))
			}
			continue
		}
		raw = append(raw, c)
	}
	return decode(raw), i
}

// hexString decodes a <hex> string starting at data[0]. An odd final
// digit is padded with zero.
func hexString(data []byte) (string, int) {
	var (
		raw  []byte
		hi   = -1
		i    = 1
		done bool
	)
	for ; i < len(data) && !done; i++ {
		c := data[i]
		var v int
		switch {
		case c == '>':
			done = true
			continue
		case c >= '0' && c <= '9':
			v = int(c - '0')
		case c >= 'a' && c <= 'f':
			v = int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v = int(c-'A') + 10
		default:
			continue
		}
		if hi < 0 {
			hi = v
			continue
		}
		raw = append(raw, byte(hi<<4|v))
		hi = -1
	}
	if hi >= 0 {
		raw = append(raw, byte(hi<<4))
	}
	return decode(raw), i
}

// decode maps single-byte font codes through Windows-1252, which covers
// the accented Portuguese letters of standard Type1 fonts.
func decode(raw []byte) string {
	out, err := charmap.Windows1252.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func clean(text string) string {
	var b strings.Builder
	space := false
	for _, r := range text {
		switch {
		case r == '\n':
			trimTrailingSpace(&b)
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
				b.WriteByte('\n')
			}
			space = true
		case unicode.IsSpace(r):
			if !space && b.Len() > 0 {
				b.WriteByte(' ')
				space = true
			}
		case unicode.IsPrint(r):
			b.WriteRune(r)
			space = false
		}
	}
	return strings.TrimSpace(b.String())
}

func trimTrailingSpace(b *strings.Builder) {
	s := b.String()
	if trimmed := strings.TrimRight(s, " "); len(trimmed) != len(s) {
		b.Reset()
		b.WriteString(trimmed)
	}
}
