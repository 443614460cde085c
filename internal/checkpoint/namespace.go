package checkpoint

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/stf-case-fetcher/internal/casefetch"
)

// Namespace derives the checkpoint namespace for an output destination.
// The same destination always maps to the same namespace; local paths are
// made absolute first so "out", "./out" and "file://out" agree.
func Namespace(h casefetch.Hasher, destination string) (string, error) {
	dest := strings.TrimPrefix(strings.TrimSpace(destination), "file://")
	if dest == "" {
		return "", fmt.Errorf("checkpoint namespace: empty destination")
	}
	if !strings.Contains(dest, "://") {
		abs, err := filepath.Abs(dest)
		if err != nil {
			return "", fmt.Errorf("checkpoint namespace: %w", err)
		}
		dest = abs
	}
	dest = strings.TrimRight(dest, "/")
	return h.Hash([]byte(dest))
}
