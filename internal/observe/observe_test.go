package observe

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type statusPayload struct {
	State string `json:"state"`
}

func startHub(t *testing.T, snap SnapshotFunc, poll time.Duration) (*Hub, string, context.CancelFunc) {
	t.Helper()
	h := New(nil, snap)
	if err := h.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := h.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	go h.Serve(ctx, poll)

	return h, addr, cancel
}

func dial(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://%s/ws", addr)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	return conn
}

func TestNewClientReceivesInitialSnapshot(t *testing.T) {
	state := "RUNNING"
	h, addr, cancel := startHub(t, func() any { return statusPayload{State: state} }, time.Hour)
	defer cancel()
	defer h.Close()

	conn := dial(t, addr)
	defer conn.Close()

	var got statusPayload
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read initial snapshot: %v", err)
	}
	if got.State != "RUNNING" {
		t.Fatalf("got state %q, want RUNNING", got.State)
	}
}

func TestNotifyPushesToAllClients(t *testing.T) {
	state := "STARTING"
	h, addr, cancel := startHub(t, func() any { return statusPayload{State: state} }, time.Hour)
	defer cancel()
	defer h.Close()

	conn1 := dial(t, addr)
	defer conn1.Close()
	conn2 := dial(t, addr)
	defer conn2.Close()

	var first statusPayload
	if err := conn1.ReadJSON(&first); err != nil {
		t.Fatalf("read initial snapshot on conn1: %v", err)
	}
	if err := conn2.ReadJSON(&first); err != nil {
		t.Fatalf("read initial snapshot on conn2: %v", err)
	}

	state = "RUNNING"
	h.Notify()

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		var got statusPayload
		if err := conn.ReadJSON(&got); err != nil {
			t.Fatalf("read notified snapshot: %v", err)
		}
		if got.State != "RUNNING" {
			t.Fatalf("got state %q, want RUNNING", got.State)
		}
	}
}

func TestPollLoopBroadcastsOnInterval(t *testing.T) {
	state := "STARTING"
	h, addr, cancel := startHub(t, func() any { return statusPayload{State: state} }, 20*time.Millisecond)
	defer cancel()
	defer h.Close()

	conn := dial(t, addr)
	defer conn.Close()

	var initial statusPayload
	if err := conn.ReadJSON(&initial); err != nil {
		t.Fatalf("read initial snapshot: %v", err)
	}

	state = "STOPPING"
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got statusPayload
	for i := 0; i < 10; i++ {
		if err := conn.ReadJSON(&got); err != nil {
			t.Fatalf("read polled snapshot: %v", err)
		}
		if got.State == "STOPPING" {
			return
		}
	}
	t.Fatalf("never observed polled state transition, last got %q", got.State)
}
