package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/stf-case-fetcher/internal/casefetch"
	"github.com/JakeFAU/stf-case-fetcher/internal/caseid"
	"github.com/JakeFAU/stf-case-fetcher/internal/checkpoint"
	"github.com/JakeFAU/stf-case-fetcher/internal/hash/sha256"
	"github.com/JakeFAU/stf-case-fetcher/internal/orchestrator"
	pubsubpublisher "github.com/JakeFAU/stf-case-fetcher/internal/publisher/pubsub"
)

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: exitOK},
		{name: "config", err: fmt.Errorf("load: %w", &casefetch.ConfigurationError{Field: "batch_size"}), want: exitConfig},
		{name: "storage", err: &casefetch.StorageError{Op: "flush", Err: errors.New("disk full")}, want: exitStorage},
		{name: "interrupted", err: fmt.Errorf("%w: %w", casefetch.ErrInterrupted, context.Canceled), want: exitInterrupted},
		{name: "other", err: errors.New("boom"), want: exitFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, exitCode(tc.err))
		})
	}
}

func TestValidateReportsRejectedInputs(t *testing.T) {
	t.Parallel()

	code, out, _ := run(t, "validate", "0000001-90.2023.1.00.0000,123,1234567-67.2019.4.03.0001,0000001-90.2023.1.00.0000")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "valid:    2")
	assert.Contains(t, out, "rejected: 1")
	assert.Contains(t, out, "  123\n")
}

func TestBadFlagIsConfigurationError(t *testing.T) {
	t.Parallel()

	code, _, stderr := run(t, "validate", "--bogus", "x")
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr, "bogus")
}

func TestFetchRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	code, _, stderr := run(t, "fetch", "0000001-90.2023.1.00.0000", "--max-workers=0", "--output", t.TempDir())
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr, "max_workers")
}

func TestFetchWithoutValidCasesIsConfigurationError(t *testing.T) {
	t.Parallel()

	code, _, _ := run(t, "fetch", "123,456", "--output", t.TempDir())
	assert.Equal(t, exitConfig, code)
}

func TestFetchThenAnalyze(t *testing.T) {
	var hits atomic.Int32
	portal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.NotFound(w, nil)
	}))
	defer portal.Close()

	dir := t.TempDir()
	out := filepath.Join(dir, "dataset")
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
rate_limit_delay: 0
use_basedosdados: false
portal:
  url_template: %s/processo?numero=%%s
checkpoint:
  backend: sqlite
  path: %s
run:
  progress_interval: 0s
logging:
  level: error
`, portal.URL, filepath.Join(dir, "checkpoints.db"))), 0o600))

	ids := "0000001-90.2023.1.00.0000,1234567-67.2019.4.03.0001"
	logFile := filepath.Join(dir, "logs", "fetch.log")
	code, stdout, stderr := run(t, "fetch", ids, "--config", cfgPath, "--output", out, "--batch-size", "1",
		"--log-level", "info", "--log-file", logFile)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "COMPLETED")
	assert.Contains(t, stdout, "failed:      2")
	assert.Equal(t, int32(2), hits.Load(), "not found is never retried")

	namespace, err := checkpoint.Namespace(sha256.New(), "file://"+out)
	require.NoError(t, err)
	logged, err := os.ReadFile(logFile) // #nosec G304 -- test temp file.
	require.NoError(t, err)
	assert.Contains(t, string(logged), `"msg":"checkpoint opened"`)
	assert.Contains(t, string(logged), `"namespace":"`+namespace+`"`)
	assert.Contains(t, stderr, "checkpoint opened", "the log file is written in addition to stderr")

	// Same list and destination: everything is already done.
	code, stdout, stderr = run(t, "fetch", ids, "--config", cfgPath, "--output", out)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "skipped:     2")
	assert.Equal(t, int32(2), hits.Load())

	// --force fetches them again.
	code, _, stderr = run(t, "fetch", ids, "--config", cfgPath, "--output", out, "--force")
	require.Equal(t, exitOK, code, stderr)
	assert.Equal(t, int32(4), hits.Load())

	errorsPath := filepath.Join(dir, "errors.json")
	code, stdout, stderr = run(t, "analyze", "--config", cfgPath, "--output", out, "--errors", errorsPath)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "records:   2", "re-fetched cases are deduplicated")
	assert.Contains(t, stdout, "failed:    2")
	assert.Contains(t, stdout, "SCRAPED")

	data, err := os.ReadFile(errorsPath)
	require.NoError(t, err)
	var failures []failedCase
	require.NoError(t, json.Unmarshal(data, &failures))
	require.Len(t, failures, 2)
	for _, f := range failures {
		assert.Equal(t, "not_found", f.TipoErro)
		assert.NotEmpty(t, f.DataExtracao)
	}
}

func TestAnalyze(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	records := []casefetch.CaseRecord{
		{CaseID: caseid.MustCompose(1, 2023, 1, 0, 0), Source: casefetch.SourceStructured, Success: true, Fields: casefetch.Fields{FullText: "abcd"}},
		{CaseID: caseid.MustCompose(2, 2023, 1, 0, 0), Source: casefetch.SourceScraped, Success: true, Fields: casefetch.Fields{FullText: "decisão"}},
		{CaseID: caseid.MustCompose(3, 2023, 1, 0, 0), Source: casefetch.SourceScraped, ErrorKind: casefetch.FailurePermanent, Error: "bad page", ExtractedAt: at},
	}

	a := analyze(records)
	assert.Equal(t, 3, a.Total)
	assert.Equal(t, 2, a.Succeeded)
	assert.Equal(t, 1, a.Failed)
	assert.InDelta(t, 2.0/3.0, a.successRate(), 1e-9)
	assert.Equal(t, map[casefetch.Source]int{casefetch.SourceStructured: 1, casefetch.SourceScraped: 2}, a.BySource)
	assert.Equal(t, 4, a.TextMin)
	assert.Equal(t, 7, a.TextMax)
	assert.InDelta(t, 5.5, a.TextMean, 1e-9)
	require.Len(t, a.failures, 1)
	assert.Equal(t, failedCase{
		ProcessoNumero: records[2].CaseID.String(),
		TipoErro:       "permanent",
		ErroParsing:    "bad page",
		DataExtracao:   "2024-05-06T07:08:09Z",
	}, a.failures[0])

	empty := analyze(nil)
	assert.Zero(t, empty.TextMin)
	assert.Zero(t, empty.successRate())
}

func newRunsPublisher(t *testing.T) (*pstest.Server, *pubsubpublisher.Publisher) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	pub, err := pubsubpublisher.New(context.Background(), "stf-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })
	return srv, pub
}

func TestPublishStatsCarriesRunAttributes(t *testing.T) {
	ctx := context.Background()
	srv, pub := newRunsPublisher(t)
	_, err := srv.GServer.CreateTopic(ctx, &pubsubpb.Topic{Name: "projects/stf-project/topics/runs"})
	require.NoError(t, err)

	stats := orchestrator.RunStats{RunID: "run-1", Total: 3, Succeeded: 3, State: orchestrator.StateCompleted}
	require.NoError(t, publishStats(ctx, pub, "runs", stats, zap.NewNop()))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, map[string]string{"run_id": "run-1", "outcome": "COMPLETED"}, msgs[0].Attributes)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &decoded))
	assert.EqualValues(t, 3, decoded["succeeded"])
}

func TestPublishStatsWrapsFailure(t *testing.T) {
	_, pub := newRunsPublisher(t)
	err := publishStats(context.Background(), pub, "absent", orchestrator.RunStats{RunID: "run-2"}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish to absent")
}
