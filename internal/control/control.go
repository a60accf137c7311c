// Package control implements a read-only debug feed of connection
// lifecycle events over WebSocket, gated by Config.Control.Addr. It
// never accepts inbound traffic and never touches payload bytes — only
// the observe-only surface spec.md §7 allows in logs (5-tuple and event
// kind).
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/badscrew/selfproxy/internal/conntable"
	"github.com/badscrew/selfproxy/internal/logging"
)

// Event is one connection-table lifecycle notification, pushed to
// every connected subscriber as a single JSON line.
type Event struct {
	Time     time.Time `json:"time"`
	Kind     string    `json:"event"` // insert, remove, evict, shutdown
	Protocol string    `json:"protocol"`
	SrcAddr  string    `json:"src_addr"`
	SrcPort  uint16    `json:"src_port"`
	DstAddr  string    `json:"dst_addr"`
	DstPort  uint16    `json:"dst_port"`
}

func eventFromKey(key conntable.FiveTuple, kind string) Event {
	return Event{
		Time:     time.Now(),
		Kind:     kind,
		Protocol: key.Protocol.String(),
		SrcAddr:  net.IP(key.SrcAddr[:]).String(),
		SrcPort:  key.SrcPort,
		DstAddr:  net.IP(key.DstAddr[:]).String(),
		DstPort:  key.DstPort,
	}
}

// Observable is satisfied by tcpproxy.Proxy and udpproxy.Proxy.
type Observable interface {
	Observe(fn func(conntable.FiveTuple, string))
}

// Feed fans connection-table lifecycle events out to every connected
// WebSocket subscriber. When a subscriber's channel is full the event
// is dropped for that subscriber rather than allowed to block the
// broadcaster; the subscriber stays connected.
type Feed struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	ch chan Event
}

// NewFeed constructs an empty Feed. Call Watch for each proxy whose
// lifecycle events should be broadcast.
func NewFeed(logger *slog.Logger) *Feed {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Feed{logger: logger, subs: make(map[*subscriber]struct{})}
}

// Watch registers the feed as an observer of src, so every insert,
// remove, evict, and shutdown on src's connection table is broadcast.
func (f *Feed) Watch(src Observable) {
	src.Observe(func(key conntable.FiveTuple, kind string) {
		f.broadcast(eventFromKey(key, kind))
	})
}

func (f *Feed) broadcast(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs {
		select {
		case s.ch <- ev:
		default:
			logging.Verbose(f.logger, "control feed event dropped: subscriber channel full")
		}
	}
}

func (f *Feed) subscribe() *subscriber {
	s := &subscriber{ch: make(chan Event, 64)}
	f.mu.Lock()
	f.subs[s] = struct{}{}
	f.mu.Unlock()
	return s
}

func (f *Feed) unsubscribe(s *subscriber) {
	f.mu.Lock()
	delete(f.subs, s)
	f.mu.Unlock()
}

// Server serves the Feed over WebSocket at /events. Its lifecycle
// shape — atomic.Bool running, http.Server, net.Listen, WaitGroup —
// mirrors the teacher's WebSocketListener, repurposed from accepting
// SOCKS5-over-WS traffic to pushing read-only JSON events.
type Server struct {
	addr   string
	feed   *Feed
	logger *slog.Logger

	httpServer *http.Server
	running    atomic.Bool
	wg         sync.WaitGroup
}

// NewServer constructs a Server that will listen on addr.
func NewServer(addr string, feed *Feed, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Server{addr: addr, feed: feed, logger: logger}
}

// Start binds the listener and begins serving in the background.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("control: server already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("control: listen: %w", err)
	}

	s.httpServer = &http.Server{Handler: mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control server stopped", logging.KeyReason, err.Error())
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	return err
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := s.feed.subscribe()
	defer s.feed.unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.ch:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}
