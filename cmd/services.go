package cmd

import (
	"context"
	"fmt"
	"strings"

	gcsstorage "cloud.google.com/go/storage"

	"github.com/JakeFAU/stf-case-fetcher/internal/casefetch"
	"github.com/JakeFAU/stf-case-fetcher/internal/checkpoint"
	"github.com/JakeFAU/stf-case-fetcher/internal/config"
	"github.com/JakeFAU/stf-case-fetcher/internal/storage/gcs"
	"github.com/JakeFAU/stf-case-fetcher/internal/storage/local"
	"github.com/JakeFAU/stf-case-fetcher/internal/storage/memory"
	"github.com/JakeFAU/stf-case-fetcher/internal/storage/postgres"
	"github.com/JakeFAU/stf-case-fetcher/internal/storage/sqlite"
	"github.com/JakeFAU/stf-case-fetcher/internal/tabular"
)

// closers releases resources in reverse order of acquisition.
type closers []func() error

func (c *closers) add(fn func() error) {
	*c = append(*c, fn)
}

func (c closers) closeAll(onErr func(error)) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil && onErr != nil {
			onErr(err)
		}
	}
}

// openBlobStore resolves destination to a gs:// bucket prefix or a local
// directory.
func openBlobStore(ctx context.Context, destination string, cl *closers) (tabular.BlobStore, error) {
	dest := strings.TrimSpace(destination)
	if dest == "" {
		return nil, &casefetch.ConfigurationError{Field: "output.destination", Reason: "is required"}
	}
	if strings.HasPrefix(dest, "gs://") {
		gcsCfg, err := gcs.ParseURI(dest)
		if err != nil {
			return nil, &casefetch.ConfigurationError{Field: "output.destination", Reason: err.Error()}
		}
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, &casefetch.StorageError{Op: "open gcs client", Err: err}
		}
		cl.add(client.Close)
		store, err := gcs.New(client, gcsCfg)
		if err != nil {
			return nil, &casefetch.StorageError{Op: "open gcs store", Err: err}
		}
		return store, nil
	}
	store, err := local.New(local.Config{BaseDir: strings.TrimPrefix(dest, "file://")})
	if err != nil {
		return nil, &casefetch.StorageError{Op: "open output directory", Err: err}
	}
	return store, nil
}

// openCheckpointBackend connects the configured checkpoint table.
func openCheckpointBackend(ctx context.Context, cfg config.CheckpointConfig, cl *closers) (checkpoint.Backend, error) {
	var (
		backend checkpoint.Backend
		err     error
	)
	switch cfg.Backend {
	case "sqlite":
		backend, err = sqlite.Open(ctx, cfg.Path, cfg.Table)
	case "postgres":
		backend, err = postgres.NewCheckpointStore(ctx, postgres.Config{DSN: cfg.DSN, Table: cfg.Table})
	case "memory":
		backend = memory.NewCheckpointStore()
	default:
		return nil, &casefetch.ConfigurationError{Field: "checkpoint.backend", Reason: fmt.Sprintf("unknown backend %q", cfg.Backend)}
	}
	if err != nil {
		return nil, &casefetch.StorageError{Op: "open checkpoint " + cfg.Backend, Err: err}
	}
	cl.add(backend.Close)
	return backend, nil
}
