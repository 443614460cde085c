package uuid

import (
	"sort"
	"testing"

	goUUID "github.com/google/uuid"
)

func TestGeneratorNewIDIsTimeOrdered(t *testing.T) {
	t.Parallel()

	gen := NewUUIDGenerator()
	ids := make([]string, 50)
	for i := range ids {
		id, err := gen.NewID()
		if err != nil {
			t.Fatalf("NewID() error = %v", err)
		}
		parsed, err := goUUID.Parse(id)
		if err != nil {
			t.Fatalf("%s is not a valid UUID: %v", id, err)
		}
		if parsed.Version() != 7 {
			t.Fatalf("expected version 7, got %d", parsed.Version())
		}
		ids[i] = id
	}
	if !sort.StringsAreSorted(ids) {
		t.Fatalf("expected IDs in creation order, got %v", ids)
	}
}
