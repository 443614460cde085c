package collyfetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stf-case-fetcher/internal/fetcher"
)

func TestFetcherReturnsErrorStatusesAsResponses(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/throttled":
			w.Header().Set("Retry-After", "12")
			w.WriteHeader(http.StatusTooManyRequests)
		case "/missing":
			http.NotFound(w, r)
		default:
			_, _ = w.Write([]byte("<html><body>ok</body></html>"))
		}
	}))
	defer server.Close()

	f, err := New(Config{Timeout: 2 * time.Second})
	require.NoError(t, err)

	resp, err := f.Fetch(context.Background(), fetcher.Request{URL: server.URL + "/throttled"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "12", resp.Headers.Get("Retry-After"))

	resp, err = f.Fetch(context.Background(), fetcher.Request{URL: server.URL + "/missing"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	for i := 0; i < 2; i++ {
		resp, err = f.Fetch(context.Background(), fetcher.Request{URL: server.URL + "/page"})
		require.NoError(t, err, "revisit %d", i)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(resp.Body), "ok")
		assert.Equal(t, server.URL+"/page", resp.URL)
		assert.False(t, resp.UsedHeadless)
	}
}

func TestFetcherRotatesUserAgents(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		agents []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		agents = append(agents, r.UserAgent())
		mu.Unlock()
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	f, err := New(Config{Identities: fetcher.NewRotator([]string{"agent-a", "agent-b"})})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := f.Fetch(context.Background(), fetcher.Request{URL: server.URL})
		require.NoError(t, err)
	}
	_, err = f.Fetch(context.Background(), fetcher.Request{URL: server.URL, UserAgent: "explicit"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"agent-a", "agent-b", "agent-a", "explicit"}, agents)
}

func TestFetcherSendsPortalHeaders(t *testing.T) {
	t.Parallel()

	seen := make(chan http.Header, 2)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	f, err := New(Config{})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), fetcher.Request{
		URL:     server.URL,
		Headers: http.Header{"Referer": {"https://portal.stf.jus.br/"}},
	})
	require.NoError(t, err)
	h := <-seen
	assert.Equal(t, "https://portal.stf.jus.br/", h.Get("Referer"))
	assert.Equal(t, acceptLanguage, h.Get("Accept-Language"))

	_, err = f.Fetch(context.Background(), fetcher.Request{
		URL:     server.URL,
		Headers: http.Header{"Accept-Language": {"en"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "en", (<-seen).Get("Accept-Language"))
}

func TestFetcherTruncatesLargeBodies(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer server.Close()

	f, err := New(Config{MaxBodySize: 16})
	require.NoError(t, err)
	resp, err := f.Fetch(context.Background(), fetcher.Request{URL: server.URL})
	require.NoError(t, err)
	assert.Len(t, resp.Body, 16)
}

func TestFetcherTransportErrorIsReturned(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := server.URL
	server.Close()

	f, err := New(Config{Timeout: time.Second})
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), fetcher.Request{URL: addr})
	require.Error(t, err)
	assert.Contains(t, err.Error(), addr)
}

func TestFetcherHonorsCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = w.Write([]byte("late"))
	}))
	defer server.Close()
	defer close(release)

	f, err := New(Config{})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, fetcher.Request{URL: server.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewRejectsBadProxy(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Proxies: []string{"://bad"}})
	require.Error(t, err)

	_, err = New(Config{Proxies: []string{"http://127.0.0.1:3128", "socks5://127.0.0.1:1080"}})
	require.NoError(t, err)
}
