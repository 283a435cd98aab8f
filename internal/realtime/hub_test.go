package realtime

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"splat-pipeline/internal/logger"
)

func newTestHub() *Hub {
	return NewHub(logger.NewNop())
}

func TestBroadcastReachesOnlyRoomMembers(t *testing.T) {
	hub := newTestHub()

	member := hub.NewClient()
	other := hub.NewClient()
	hub.Join(member, "p1")
	hub.Join(other, "p2")

	hub.NotifyStageProgress("p1", "feature_extraction", 40, "Features: 12/30")

	select {
	case msg := <-member.Outbound:
		require.Equal(t, EventStageProgress, msg.Type)
		require.Equal(t, "p1", msg.ProjectID)
		require.Equal(t, "feature_extraction", msg.Stage)
		require.Equal(t, 40, msg.Progress)
		require.Equal(t, "Features: 12/30", msg.Detail)
	default:
		t.Fatal("room member did not receive the event")
	}

	require.Empty(t, other.Outbound)
}

func TestLeaveStopsDelivery(t *testing.T) {
	hub := newTestHub()

	client := hub.NewClient()
	hub.Join(client, "p1")
	hub.Leave(client, "p1")

	hub.NotifyLogLine("p1", "Feature extraction started", time.Now())
	require.Empty(t, client.Outbound)
}

func TestBroadcastDropsForSlowClient(t *testing.T) {
	hub := newTestHub()

	client := hub.NewClient()
	hub.Join(client, "p1")

	// Fill the buffer and then some; Broadcast must not block.
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := 0; i < cap(client.Outbound)+10; i++ {
			hub.NotifyStageProgress("p1", "feature_matching", i, "")
		}
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a full client queue")
	}
	require.Len(t, client.Outbound, cap(client.Outbound))
}

func TestRemoveClientClosesQueueAndRooms(t *testing.T) {
	hub := newTestHub()

	client := hub.NewClient()
	hub.Join(client, "p1")
	hub.Join(client, "p2")

	hub.RemoveClient(client)
	hub.RemoveClient(client) // second removal is harmless

	_, open := <-client.Outbound
	require.False(t, open)

	hub.NotifyStageProgress("p1", "ingest", 10, "")
}

func TestServeHTTPJoinAndReceive(t *testing.T) {
	hub := newTestHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello Message
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, EventConnected, hello.Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "join", "projectId": "p1"}))

	// The join is processed asynchronously by the read pump.
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.subscriptions["p1"]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.NotifyLogLine("p1", "Processing started", time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, EventLogMessage, msg.Type)
	require.Equal(t, "Processing started", msg.Message)
	require.Equal(t, "2025-03-01T12:00:00Z", msg.Timestamp)
}
