package server

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eclipse-ditto/ditto-sub092/internal/config"
	"github.com/eclipse-ditto/ditto-sub092/search"
)

const twinsYAML = `
- thingId: "ns:a"
  attributes:
    counter: 1
- thingId: "ns:b"
  attributes:
    counter: 2
`

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "twins.yaml"), []byte(twinsYAML), 0o644))

	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.TwinsDir = dir
	cfg.LogLevel = "error"

	log, err := NewLogger(cfg, io.Discard)
	require.NoError(t, err)
	s, err := Build(context.Background(), cfg, log)
	require.NoError(t, err)

	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		hs.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, s.Close(ctx))
	})
	return s, hs
}

func TestServerStreamsOverHTTP(t *testing.T) {
	s, hs := newTestServer(t)
	base := hs.URL + "/search/subscriptions"

	resp, err := http.Post(base, "application/json", strings.NewReader(`{"filter":"thing.attributes.counter > 1","demand":5}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	ev, err := search.DecodeEvent(body)
	require.NoError(t, err)
	id := ev.Subscription()

	req, _ := http.NewRequest(http.MethodGet, base+"/"+id+"/events", nil)
	req.Header.Set("Accept", "text/event-stream")
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()

	var types []string
	sc := bufio.NewScanner(stream.Body)
	for sc.Scan() {
		if typ, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			types = append(types, typ)
		}
	}
	assert.Equal(t, []string{
		search.TypeSubscriptionCreated,
		search.TypeSubscriptionHasNextPage,
		search.TypeSubscriptionComplete,
	}, types)
	assert.Equal(t, 2, s.Store().(interface{ Len() int }).Len())

	metrics, err := http.Get(hs.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	text, _ := io.ReadAll(metrics.Body)
	assert.Contains(t, string(text), "twinsearch_subscriptions_started_total 1")
	assert.Contains(t, string(text), "twinsearch_subscriptions_pages_total 1")
}

func TestServerHealth(t *testing.T) {
	_, hs := newTestServer(t)

	resp, err := http.Get(hs.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerStdio(t *testing.T) {
	s, _ := newTestServer(t)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- s.ServeStdio(context.Background(), inR, outW) }()

	_, err := io.WriteString(inW, `{"type":"createSubscription","sort":"-thingId","demand":5}`+"\n")
	require.NoError(t, err)

	var types []string
	sc := bufio.NewScanner(outR)
	for sc.Scan() {
		ev, err := search.DecodeEvent(sc.Bytes())
		require.NoError(t, err)
		types = append(types, ev.EventType())
		if ev.Terminal() {
			break
		}
	}
	assert.Equal(t, []string{
		search.TypeSubscriptionCreated,
		search.TypeSubscriptionHasNextPage,
		search.TypeSubscriptionComplete,
	}, types)

	require.NoError(t, inW.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stdio did not stop on EOF")
	}
	_ = outW.Close()
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Store = "mongo"
	_, err = Build(context.Background(), cfg, nil)
	assert.Error(t, err)
}
