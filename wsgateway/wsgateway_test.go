package wsgateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eclipse-ditto/ditto-sub092/search"
	"github.com/eclipse-ditto/ditto-sub092/subscriptions"
	"github.com/eclipse-ditto/ditto-sub092/thing"
	"github.com/eclipse-ditto/ditto-sub092/twinstore/memory"
)

func setup(t *testing.T, ids ...string) (*subscriptions.Registry, *Gateway, *websocket.Conn) {
	t.Helper()
	store := memory.New()
	for _, id := range ids {
		require.NoError(t, store.Put(context.Background(), thing.Thing{thing.IDField: id}))
	}
	reg := subscriptions.NewRegistry(store, store, subscriptions.WithIdleTimeout(time.Minute))
	gw := New(reg, WithPingInterval(time.Second))
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Close(ctx)
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return reg, gw, conn
}

func send(t *testing.T, conn *websocket.Conn, cmd search.Command) {
	t.Helper()
	data, err := search.EncodeCommand(cmd)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func receive(t *testing.T, conn *websocket.Conn) search.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, typ)
	ev, err := search.DecodeEvent(data)
	require.NoError(t, err)
	return ev
}

func TestGatewayStreamsSubscription(t *testing.T) {
	_, _, conn := setup(t, "ns:a", "ns:b")

	send(t, conn, &search.CreateSubscription{})
	created, ok := receive(t, conn).(*search.SubscriptionCreated)
	require.True(t, ok)

	send(t, conn, &search.RequestFromSubscription{SubscriptionID: created.SubscriptionID, Demand: 5})
	page, ok := receive(t, conn).(*search.SubscriptionHasNextPage)
	require.True(t, ok)
	assert.Len(t, page.Items, 2)

	_, ok = receive(t, conn).(*search.SubscriptionComplete)
	assert.True(t, ok)
}

func TestGatewayAnswersMalformedFrames(t *testing.T) {
	_, _, conn := setup(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	failed, ok := receive(t, conn).(*search.SubscriptionFailed)
	require.True(t, ok)
	assert.Empty(t, failed.SubscriptionID)
	assert.Equal(t, search.ErrInvalidCommand.Code, failed.Error.Code)
}

func TestGatewayCloseCancelsSubscriptions(t *testing.T) {
	reg, _, conn := setup(t, "ns:a")

	send(t, conn, &search.CreateSubscription{})
	_, ok := receive(t, conn).(*search.SubscriptionCreated)
	require.True(t, ok)
	require.Equal(t, 1, reg.Len())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestGatewayCloseDisconnectsClients(t *testing.T) {
	reg, gw, conn := setup(t, "ns:a")

	send(t, conn, &search.CreateSubscription{})
	_, ok := receive(t, conn).(*search.SubscriptionCreated)
	require.True(t, ok)

	gw.Close()
	assert.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "expected going-away close, got %v", err)
}
