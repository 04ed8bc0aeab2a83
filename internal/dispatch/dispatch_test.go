package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsPair starts a server that registers each connection under the ref given
// in the query string and returns a dialled client connection.
func wsPair(t *testing.T, reg *WSRegistry, ref string) *websocket.Conn {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add(r.URL.Query().Get("ref"), conn)
	}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?ref=" + ref
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return reg.IsConnected(ref) }, time.Second, time.Millisecond)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var got map[string]any
	require.NoError(t, conn.ReadJSON(&got))
	return got
}

func TestNotifyWritesEnvelope(t *testing.T) {
	reg := NewWSRegistry(nil, nil)
	conn := wsPair(t, reg, "conn-d1")

	err := reg.Notify(context.Background(), "conn-d1", EventRideOffer, map[string]any{"requestId": "req-1"})
	require.NoError(t, err)

	got := readEnvelope(t, conn)
	assert.Equal(t, EventRideOffer, got["event"])
	assert.Equal(t, "req-1", got["data"].(map[string]any)["requestId"])
}

func TestNotifyWithoutSession(t *testing.T) {
	reg := NewWSRegistry(nil, nil)
	assert.ErrorIs(t, reg.Notify(context.Background(), "ghost", EventRideOffer, nil), ErrNoSession)
	assert.False(t, reg.IsConnected("ghost"))
}

func TestBroadcastSkipsMissingSessions(t *testing.T) {
	reg := NewWSRegistry(nil, nil)
	a := wsPair(t, reg, "a")
	b := wsPair(t, reg, "b")

	err := reg.Broadcast(context.Background(), []string{"a", "b", "gone"}, EventRideOfferCancelled, map[string]string{"reason": "already accepted"})
	require.NoError(t, err)
	assert.Equal(t, EventRideOfferCancelled, readEnvelope(t, a)["event"])
	assert.Equal(t, EventRideOfferCancelled, readEnvelope(t, b)["event"])
}

func TestRemoveOnlyMatchingSession(t *testing.T) {
	reg := NewWSRegistry(nil, nil)
	wsPair(t, reg, "a")
	assert.False(t, reg.Remove("a", &WSSession{}))
	assert.True(t, reg.IsConnected("a"))
	assert.Equal(t, 1, reg.Len())
}

func TestSendFailureLeavesRemovalToReader(t *testing.T) {
	p := &recordingPusher{}
	reg := NewWSRegistry(p, nil)
	conn := wsPair(t, reg, "d1")

	reg.mu.RLock()
	sess := reg.sessions["d1"]
	reg.mu.RUnlock()
	require.NotNil(t, sess)
	require.NoError(t, sess.conn.UnderlyingConn().Close())

	require.NoError(t, reg.Notify(context.Background(), "d1", EventRideOffer, nil))
	assert.Equal(t, []string{"d1"}, p.refs)

	// still registered so the reader's own Remove reports the disconnect
	assert.True(t, reg.IsConnected("d1"))
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, reg.Remove("d1", sess))
	assert.False(t, reg.IsConnected("d1"))
}

type recordingPusher struct {
	mu   sync.Mutex
	refs []string
}

func (p *recordingPusher) Push(_ context.Context, ref string, _ Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs = append(p.refs, ref)
	return nil
}

func TestNotifyFallsBackToPusher(t *testing.T) {
	p := &recordingPusher{}
	reg := NewWSRegistry(p, nil)
	require.NoError(t, reg.Notify(context.Background(), "offline-rider", EventRideTimeout, nil))
	assert.Equal(t, []string{"offline-rider"}, p.refs)
}

func TestFCMPusherPostsMessage(t *testing.T) {
	var body map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewFCMPusher(srv.URL, "secret")
	err := p.Push(context.Background(), "token-1", Envelope{Event: EventRideAccepted, Data: map[string]string{"driverId": "d1"}})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", auth)
	msg := body["message"].(map[string]any)
	assert.Equal(t, "token-1", msg["token"])
	assert.Equal(t, EventRideAccepted, msg["data"].(map[string]any)["event"])
}

func TestFCMPusherReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	err := NewFCMPusher(srv.URL, "").Push(context.Background(), "t", Envelope{Event: EventRideOffer})
	assert.Error(t, err)
}
