package control

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/badscrew/selfproxy/internal/conntable"
)

type fakeObservable struct {
	fn func(conntable.FiveTuple, string)
}

func (f *fakeObservable) Observe(fn func(conntable.FiveTuple, string)) { f.fn = fn }

func (f *fakeObservable) fire(key conntable.FiveTuple, kind string) {
	if f.fn != nil {
		f.fn(key, kind)
	}
}

func testKey() conntable.FiveTuple {
	return conntable.FiveTuple{
		Protocol: conntable.ProtoTCP,
		SrcAddr:  [4]byte{10, 0, 0, 2},
		SrcPort:  1234,
		DstAddr:  [4]byte{1, 1, 1, 1},
		DstPort:  80,
	}
}

func startTestServer(t *testing.T) (*Server, *Feed, string) {
	t.Helper()
	feed := NewFeed(nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	srv := NewServer(addr, feed, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv, feed, addr
}

func TestFeed_BroadcastsToSubscriber(t *testing.T) {
	_, feed, addr := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+addr+"/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Give the server a moment to register the subscriber before firing.
	time.Sleep(50 * time.Millisecond)
	feed.broadcast(eventFromKey(testKey(), "insert"))

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Kind != "insert" || ev.Protocol != "tcp" || ev.DstPort != 80 {
		t.Errorf("event = %+v, unexpected", ev)
	}
}

func TestFeed_WatchForwardsObservableEvents(t *testing.T) {
	_, feed, addr := startTestServer(t)
	obs := &fakeObservable{}
	feed.Watch(obs)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+addr+"/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	time.Sleep(50 * time.Millisecond)
	obs.fire(testKey(), "evict")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Kind != "evict" {
		t.Errorf("Kind = %s, want evict", ev.Kind)
	}
}

func TestServer_StartTwiceFails(t *testing.T) {
	srv, _, _ := startTestServer(t)
	if err := srv.Start(); err == nil {
		t.Error("expected error starting an already-running server")
	}
}

func TestServer_StopIsIdempotent(t *testing.T) {
	srv, _, _ := startTestServer(t)
	if err := srv.Stop(); err != nil {
		t.Errorf("first Stop: %v", err)
	}
	if err := srv.Stop(); err != nil {
		t.Errorf("second Stop should be a no-op, got: %v", err)
	}
}
