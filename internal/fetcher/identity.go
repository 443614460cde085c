package fetcher

import (
	"strings"
	"sync/atomic"
)

// Rotator hands out user agents round-robin. The zero value and a nil
// Rotator yield "".
type Rotator struct {
	agents []string
	next   atomic.Uint64
}

// NewRotator builds a Rotator over the non-blank entries of agents.
func NewRotator(agents []string) *Rotator {
	r := &Rotator{}
	for _, a := range agents {
		if a = strings.TrimSpace(a); a != "" {
			r.agents = append(r.agents, a)
		}
	}
	return r
}

// Next returns the following user agent.
func (r *Rotator) Next() string {
	if r == nil || len(r.agents) == 0 {
		return ""
	}
	n := r.next.Add(1) - 1
	return r.agents[n%uint64(len(r.agents))]
}

// Len reports how many identities rotate.
func (r *Rotator) Len() int {
	if r == nil {
		return 0
	}
	return len(r.agents)
}
