package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

type delivery struct {
	room, except, event string
	payload             any
}

type recordingFabric struct {
	mu         sync.Mutex
	deliveries []delivery
	notify     chan struct{}
}

func newRecordingFabric() *recordingFabric {
	return &recordingFabric{notify: make(chan struct{}, 16)}
}

func (r *recordingFabric) Broadcast(roomID, exceptID, event string, payload any) error {
	r.mu.Lock()
	r.deliveries = append(r.deliveries, delivery{roomID, exceptID, event, payload})
	r.mu.Unlock()
	r.notify <- struct{}{}
	return nil
}

func (r *recordingFabric) Close() error { return nil }

func (r *recordingFabric) snapshot() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.deliveries...)
}

func (r *recordingFabric) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func newFabricPair(t *testing.T) (*RedisFabric, *recordingFabric, *RedisFabric, *recordingFabric) {
	t.Helper()
	mr := miniredis.RunT(t)
	ctx := context.Background()

	newNode := func(node string) (*RedisFabric, *recordingFabric) {
		client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })

		local := newRecordingFabric()
		fabric, err := NewRedisFabric(ctx, local, client, "roomsync:test", node)
		if err != nil {
			t.Fatalf("NewRedisFabric(%s) failed: %v", node, err)
		}
		t.Cleanup(func() { fabric.Close() })
		return fabric, local
	}

	a, localA := newNode("node-a")
	b, localB := newNode("node-b")
	return a, localA, b, localB
}

func TestRedisFabric_CrossNodeDelivery(t *testing.T) {
	a, localA, _, localB := newFabricPair(t)

	payload := map[string]any{"content": "X", "version": 2, "author": "alice"}
	if err := a.Broadcast("ABCD1234", "sock-1", "doc:apply", payload); err != nil {
		t.Fatalf("Broadcast() failed: %v", err)
	}

	// Local delivery happens synchronously.
	got := localA.snapshot()
	if len(got) != 1 || got[0].event != "doc:apply" || got[0].except != "sock-1" {
		t.Fatalf("local deliveries: got %+v", got)
	}

	localB.wait(t)
	remote := localB.snapshot()
	if len(remote) != 1 {
		t.Fatalf("remote deliveries: got %d, want 1", len(remote))
	}
	if remote[0].room != "ABCD1234" || remote[0].except != "sock-1" || remote[0].event != "doc:apply" {
		t.Errorf("remote delivery: got %+v", remote[0])
	}

	body, ok := remote[0].payload.(map[string]any)
	if !ok {
		t.Fatalf("remote payload: got %T, want map", remote[0].payload)
	}
	if body["content"] != "X" || body["version"] != float64(2) || body["author"] != "alice" {
		t.Errorf("remote payload: got %v", body)
	}
}

func TestRedisFabric_IgnoresOwnEnvelopes(t *testing.T) {
	a, localA, b, localB := newFabricPair(t)

	if err := a.Broadcast("ROOM0001", "", "room:members", map[string]any{"n": 1}); err != nil {
		t.Fatalf("Broadcast() failed: %v", err)
	}
	localA.wait(t)
	localB.wait(t)

	// A round trip from b proves a's own envelope has been consumed by now.
	if err := b.Broadcast("ROOM0001", "", "room:members", map[string]any{"n": 2}); err != nil {
		t.Fatalf("Broadcast() failed: %v", err)
	}
	localB.wait(t)
	localA.wait(t)

	if got := len(localA.snapshot()); got != 2 {
		t.Errorf("node-a deliveries: got %d, want 2", got)
	}
	if got := len(localB.snapshot()); got != 2 {
		t.Errorf("node-b deliveries: got %d, want 2", got)
	}
}

func TestRedisFabric_SubscribeFailure(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	addr := mr.Addr()
	mr.Close()

	client := goredis.NewClient(&goredis.Options{Addr: addr, MaxRetries: -1})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := NewRedisFabric(ctx, newRecordingFabric(), client, "roomsync:test", "node-a"); err == nil {
		t.Fatal("NewRedisFabric() succeeded against a closed server")
	}
}

func TestSocketFabric_EmptyRoom(t *testing.T) {
	srv := socketio.NewServer(nil, socketio.DefaultServerOptions())
	defer srv.Close(nil)

	fabric := NewSocketFabric(srv)
	if err := fabric.Broadcast("ABCD1234", "", "room:members", map[string]any{}); err != nil {
		t.Errorf("Broadcast() to empty room failed: %v", err)
	}
	if err := fabric.Broadcast("ABCD1234", "sock-1", "doc:apply", map[string]any{}); err != nil {
		t.Errorf("Broadcast() with exclusion failed: %v", err)
	}
}
