package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eclipse-ditto/ditto-sub092/search"
)

func TestSchemaCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"schema"})
	require.NoError(t, cmd.Execute())

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out.Bytes(), &doc))
	assert.Contains(t, doc, search.TypeCreateSubscription)
	assert.Contains(t, doc, search.TypeSubscriptionFailed)
}

func TestStdioCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetIn(strings.NewReader(`{"type":"requestFromSubscription","subscriptionId":"nope","demand":1}` + "\n"))
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"stdio", "--log-level", "error"})
	require.NoError(t, cmd.Execute())

	ev, err := search.DecodeEvent(bytes.TrimSpace(out.Bytes()))
	require.NoError(t, err)
	failed, ok := ev.(*search.SubscriptionFailed)
	require.True(t, ok)
	assert.Equal(t, "nope", failed.SubscriptionID)
	assert.Equal(t, search.ErrNoSuchSubscription.Code, failed.Error.Code)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("TWINSEARCH_MAX_PAGE_SIZE", "10")

	cmd := newRootCmd()
	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	require.NoError(t, serve.ParseFlags([]string{"--max-page-size", "40", "--idle-timeout", "3s", "--http", ":9999"}))

	cfg, err := loadConfig(serve)
	require.NoError(t, err)
	assert.Equal(t, 40, cfg.MaxPageSize)
	assert.Equal(t, 3*time.Second, cfg.IdleTimeout)
	assert.Equal(t, ":9999", cfg.HTTPAddr)
}

func TestInvalidFlagRejected(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"stdio", "--store", "mongo"})
	assert.Error(t, cmd.Execute())
}
