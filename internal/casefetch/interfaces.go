package casefetch

import (
	"context"
	"time"

	"github.com/JakeFAU/stf-case-fetcher/internal/caseid"
)

// Payload is what a single successful source attempt yields.
type Payload struct {
	Fields      Fields
	ContentHash string
	HTTPStatus  int
	// Cached is set when the structured source answered from its prefetch
	// cache; such records are tagged CACHED.
	Cached bool
}

// StructuredSource queries the pre-aggregated dataset. A case the dataset
// does not hold is reported as ErrNotFound.
type StructuredSource interface {
	Lookup(ctx context.Context, id caseid.ID) (Payload, error)
}

// PortalClient performs one retrieval of a case from the portal and
// extracts its fields.
type PortalClient interface {
	Fetch(ctx context.Context, id caseid.ID) (Payload, error)
}

// TabularStore appends record batches to a columnar dataset and reads
// them back.
type TabularStore interface {
	Append(ctx context.Context, records []CaseRecord) (string, error)
	ReadAll(ctx context.Context) ([]CaseRecord, error)
	URI() string
}

// Publisher pushes run summaries to Pub/Sub (or similar). Payloads are
// JSON encoded; attrs become message attributes.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, attrs map[string]string) (string, error)
}

// Hasher computes digests for content fingerprints and namespaces.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and part identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
