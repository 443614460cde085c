package caseid

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// ReadList reads raw case numbers from r, one per line. CSV input is
// accepted: only the first column is used and a header row is skipped.
func ReadList(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexAny(line, ",;\t"); i >= 0 {
			line = strings.Trim(strings.TrimSpace(line[:i]), `"`)
		}
		if first {
			first = false
			if _, err := Parse(line); err != nil && !strings.ContainsAny(line, "0123456789") {
				continue
			}
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read case list: %w", err)
	}
	return out, nil
}

// LoadArg resolves a CLI argument that is either a path to a list file or
// a comma separated list of case numbers.
func LoadArg(arg string) ([]string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return nil, nil
	}
	if info, err := os.Stat(arg); err == nil && !info.IsDir() {
		f, err := os.Open(arg)
		if err != nil {
			return nil, fmt.Errorf("open case list: %w", err)
		}
		defer f.Close()
		return ReadList(f)
	}
	parts := strings.Split(arg, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}
