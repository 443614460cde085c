// Package caseid validates and normalizes CNJ case numbers.
//
// A CNJ number has the shape NNNNNNN-DD.AAAA.J.TR.OOOO where DD is an
// ISO 7064 mod 97-10 check digit over the remaining eighteen digits.
package caseid

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// ID is a validated case number in canonical formatted form.
type ID string

var (
	formatted = regexp.MustCompile(`^\d{7}-\d{2}\.\d{4}\.\d\.\d{2}\.\d{4}$`)
	rawDigits = regexp.MustCompile(`^\d{20}$`)
)

// ErrInvalid is returned for inputs that are not CNJ numbers.
var ErrInvalid = errors.New("invalid case number")

// String returns the canonical form.
func (id ID) String() string {
	return string(id)
}

// Digits returns the twenty digits without separators.
func (id ID) Digits() string {
	return strings.NewReplacer("-", "", ".", "").Replace(string(id))
}

// Year returns the filing year segment.
func (id ID) Year() string {
	d := id.Digits()
	if len(d) != 20 {
		return ""
	}
	return d[9:13]
}

// Parse normalizes raw into an ID. Whitespace and stray characters other
// than digits, dots and dashes are dropped; twenty bare digits are
// reformatted before the check digit is verified.
func Parse(raw string) (ID, error) {
	cleaned := clean(raw)
	if rawDigits.MatchString(cleaned) {
		cleaned = format(cleaned)
	}
	if !formatted.MatchString(cleaned) {
		return "", fmt.Errorf("%w: %q", ErrInvalid, raw)
	}
	id := ID(cleaned)
	d := id.Digits()
	want := checkDigit(d[:7] + d[9:])
	if d[7:9] != want {
		return "", fmt.Errorf("%w: %q check digit %s, expected %s", ErrInvalid, raw, d[7:9], want)
	}
	return id, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(raw string) ID {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// Compose builds an ID from its segments, computing the check digit.
func Compose(sequence, year, segment, court, origin int) (ID, error) {
	if sequence < 0 || sequence > 9999999 || year < 0 || year > 9999 ||
		segment < 0 || segment > 9 || court < 0 || court > 99 || origin < 0 || origin > 9999 {
		return "", fmt.Errorf("%w: segment out of range", ErrInvalid)
	}
	body := fmt.Sprintf("%07d%04d%d%02d%04d", sequence, year, segment, court, origin)
	dd := checkDigit(body)
	return ID(format(body[:7] + dd + body[7:])), nil
}

// MustCompose is Compose for segments known to be in range.
func MustCompose(sequence, year, segment, court, origin int) ID {
	id, err := Compose(sequence, year, segment, court, origin)
	if err != nil {
		panic(err)
	}
	return id
}

// ParseAll validates every input. Valid IDs keep first-seen order with
// duplicates dropped; rejected inputs are returned verbatim.
func ParseAll(raws []string) ([]ID, []string) {
	seen := make(map[ID]struct{}, len(raws))
	valid := make([]ID, 0, len(raws))
	var rejected []string
	for _, raw := range raws {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		id, err := Parse(raw)
		if err != nil {
			rejected = append(rejected, raw)
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		valid = append(valid, id)
	}
	return valid, rejected
}

func clean(raw string) string {
	s := norm.NFKC.String(strings.TrimSpace(raw))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r < unicode.MaxASCII && unicode.IsDigit(r), r == '.', r == '-':
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), ".-")
}

func format(d string) string {
	return d[:7] + "-" + d[7:9] + "." + d[9:13] + "." + d[13:14] + "." + d[14:16] + "." + d[16:20]
}

// checkDigit computes 98 - (body*100 mod 97) for an eighteen digit body.
func checkDigit(body string) string {
	rem := 0
	for _, r := range body + "00" {
		rem = (rem*10 + int(r-'0')) % 97
	}
	return fmt.Sprintf("%02d", 98-rem)
}
