package server_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-gateway/internal/auth"
	"github.com/Tyrowin/gochat-gateway/internal/gateway"
	"github.com/Tyrowin/gochat-gateway/internal/observability"
	"github.com/Tyrowin/gochat-gateway/internal/server"
	"github.com/Tyrowin/gochat-gateway/internal/store"
	"github.com/Tyrowin/gochat-gateway/internal/testhelpers"
)

const (
	testSecret  = "integration-secret"
	waitTimeout = 2 * time.Second
	quietWindow = 300 * time.Millisecond
)

type testEnv struct {
	url   string
	store *store.Memory
	srv   *server.Server
	gw    *gateway.Gateway
}

func newTestEnv(t *testing.T, customize func(cfg *server.Config)) *testEnv {
	t.Helper()

	mem := store.NewMemory()
	logger := observability.Discard()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	gw := gateway.New(gateway.Config{
		Store:         mem,
		Logger:        logger,
		Metrics:       metrics,
		TypingTimeout: 100 * time.Millisecond,
	})

	cfg := server.DefaultConfig()
	cfg.AllowedOrigins = []string{testhelpers.DefaultOrigin}
	if customize != nil {
		customize(&cfg)
	}

	srv := server.New(cfg, gw, auth.NewVerifier(testSecret), logger, metrics, reg)
	srv.StartHub()
	ts := testhelpers.CreateTestServer(srv.Routes())

	t.Cleanup(func() {
		_ = srv.Hub().Shutdown(waitTimeout)
		ts.Close()
		gw.Close()
	})
	return &testEnv{url: ts.URL, store: mem, srv: srv, gw: gw}
}

func (e *testEnv) token(t *testing.T, userID, name string) string {
	t.Helper()
	token, err := auth.Issue(testSecret, auth.Identity{ID: userID, Name: name}, time.Hour)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	return token
}

// connect dials as userID and waits until the gateway has registered the
// connection and joined its rooms.
func (e *testEnv) connect(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	before := e.gw.Registry().ConnectionCount(userID)
	conn := testhelpers.MustConnect(t, e.url, e.token(t, userID, userID))
	require.Eventually(t, func() bool {
		return e.gw.Registry().ConnectionCount(userID) > before
	}, waitTimeout, 10*time.Millisecond)
	return conn
}

func (e *testEnv) channel(t *testing.T, id, owner string, members ...string) {
	t.Helper()
	ctx := t.Context()
	require.NoError(t, e.store.PutChannel(ctx, store.Channel{ID: id, Name: id, OwnerID: owner}))
	require.NoError(t, e.store.PutMembership(ctx, store.ChannelMembership{ChannelID: id, UserID: owner, Role: store.RoleOwner}))
	for _, m := range members {
		require.NoError(t, e.store.PutMembership(ctx, store.ChannelMembership{ChannelID: id, UserID: m}))
	}
}

// waitForRoom blocks until the channel room holds n connections.
func (e *testEnv) waitForRoom(t *testing.T, channelID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(e.gw.Rooms().Members(channelID)) == n
	}, waitTimeout, 10*time.Millisecond)
}

func waitForPresence(t *testing.T, conn *websocket.Conn, userID string, status store.PresenceStatus) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		f := testhelpers.WaitForEvent(t, conn, gateway.EventPresenceChanged, time.Until(deadline))
		var p gateway.PresenceView
		if err := json.Unmarshal(f.Data, &p); err != nil {
			t.Fatalf("Invalid presence payload: %v", err)
		}
		if p.UserID == userID && p.Status == status {
			return
		}
	}
	t.Fatalf("Timed out waiting for %s to become %s", userID, status)
}
