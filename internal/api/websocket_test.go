package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/evalsync/internal/batch"
)

type fakeProgressSource struct {
	updates chan batch.Progress
}

func (f *fakeProgressSource) Subscribe() (<-chan batch.Progress, func()) {
	return f.updates, func() {}
}

func dialProgress(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/sync/progress"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readProgress(t *testing.T, conn *websocket.Conn) batch.Progress {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var p batch.Progress
	require.NoError(t, conn.ReadJSON(&p))
	return p
}

func TestProgressHub_StreamsProgress(t *testing.T) {
	source := &fakeProgressSource{updates: make(chan batch.Progress)}
	hub := NewProgressHub(source, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	h := newHarness(t, func(d *Dependencies) {
		d.Progress = hub
	})
	server := httptest.NewServer(h.router)
	defer server.Close()

	first := dialProgress(t, server)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	source.updates <- batch.Progress{Completed: 2, Succeeded: 1, Failed: 1, Total: 4}
	p := readProgress(t, first)
	assert.Equal(t, 2, p.Completed)
	assert.Equal(t, 4, p.Total)

	// a late client gets the latest snapshot on connect
	second := dialProgress(t, server)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, 5*time.Second, 10*time.Millisecond)
	p = readProgress(t, second)
	assert.Equal(t, 2, p.Completed)

	source.updates <- batch.Progress{Completed: 4, Succeeded: 3, Failed: 1, Total: 4, Done: true}
	for _, conn := range []*websocket.Conn{first, second} {
		p = readProgress(t, conn)
		assert.True(t, p.Done)
		assert.Equal(t, 3, p.Succeeded)
	}

	first.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Zero(t, hub.ClientCount())
}

func TestProgressHub_RejectsUnknownOrigin(t *testing.T) {
	hub := NewProgressHub(&fakeProgressSource{updates: make(chan batch.Progress)}, []string{"https://admin.example.com"})
	h := newHarness(t, func(d *Dependencies) {
		d.Progress = hub
	})
	server := httptest.NewServer(h.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/sync/progress"
	header := map[string][]string{"Origin": {"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 403, resp.StatusCode)

	header["Origin"] = []string{"https://admin.example.com"}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}
