// Package feed reads line-delimited JSON events from the vision
// co-processor (or a recording of it), fans the lines out to subscribers
// and dispatches decoded events to the correction pipeline.
package feed

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"tailscale.com/tsweb"
)

const (
	// subscriberBuffer is the per-subscriber line backlog. Lines beyond it
	// are dropped for that subscriber only.
	subscriberBuffer = 256

	// maxLineBytes bounds one event line; map updates can be large.
	maxLineBytes = 4 * 1024 * 1024
)

// Mux fans lines read from a single port out to any number of subscribers.
type Mux[T Port] struct {
	port         T
	subscribers  map[string]*subscriber
	subscriberMu sync.Mutex
	closing      bool
	closingMu    sync.Mutex

	lines   atomic.Uint64
	dropped atomic.Uint64
}

// subscriber is one consumer of the line stream. Monitor is the only
// sender; mu serialises sends against close so ch is never sent to after
// it is closed.
type subscriber struct {
	ch       chan string
	done     chan struct{}
	lossless bool

	mu       sync.Mutex
	closed   bool
	doneOnce sync.Once
}

func newSubscriber(lossless bool) *subscriber {
	return &subscriber{
		ch:       make(chan string, subscriberBuffer),
		done:     make(chan struct{}),
		lossless: lossless,
	}
}

// deliver sends line to the subscriber. A lossless subscriber is waited for
// until it reads, unsubscribes or ctx ends; any other drops the line when
// its backlog is full.
func (sub *subscriber) deliver(ctx context.Context, line string) (dropped bool, err error) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return false, nil
	}
	if !sub.lossless {
		select {
		case sub.ch <- line:
			return false, nil
		default:
			return true, nil
		}
	}
	select {
	case sub.ch <- line:
	case <-sub.done:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return false, nil
}

// close wakes a pending deliver before taking mu, then closes ch.
func (sub *subscriber) close() {
	sub.doneOnce.Do(func() { close(sub.done) })
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// NewMux creates a Mux reading from port.
func NewMux[T Port](port T) *Mux[T] {
	return &Mux[T]{
		port:        port,
		subscribers: make(map[string]*subscriber),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	_, _ = crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns a new channel receiving every line read from the port
// and the id to pass to Unsubscribe. Lines are dropped for this subscriber
// while its backlog is full.
func (s *Mux[T]) Subscribe() (string, chan string) {
	return s.subscribe(false)
}

// SubscribeLossless is Subscribe for a consumer that must see every line,
// such as the dispatcher during a replay. Monitor waits for it instead of
// dropping.
func (s *Mux[T]) SubscribeLossless() (string, chan string) {
	return s.subscribe(true)
}

func (s *Mux[T]) subscribe(lossless bool) (string, chan string) {
	id := randomID()
	sub := newSubscriber(lossless)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.closingMu.Lock()
	closing := s.closing
	s.closingMu.Unlock()
	if closing {
		sub.close()
		return id, sub.ch
	}
	s.subscribers[id] = sub
	return id, sub.ch
}

// Unsubscribe removes and closes a subscriber channel.
func (s *Mux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	sub, ok := s.subscribers[id]
	delete(s.subscribers, id)
	s.subscriberMu.Unlock()
	if ok {
		sub.close()
	}
}

// Lines returns the number of lines read so far.
func (s *Mux[T]) Lines() uint64 { return s.lines.Load() }

// Dropped returns the number of line deliveries skipped because a
// subscriber's backlog was full.
func (s *Mux[T]) Dropped() uint64 { return s.dropped.Load() }

// Monitor reads lines from the port and sends them to subscribers until the
// context is cancelled, the port reaches EOF or a read fails.
func (s *Mux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)
	scan.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking Scan runs in its own goroutine so the loop below can
	// still observe cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return fmt.Errorf("feed read failed: %w", err)

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return fmt.Errorf("feed read failed: %w", err)
				default:
					return nil
				}
			}
			s.closingMu.Lock()
			if s.closing {
				s.closingMu.Unlock()
				return nil
			}
			s.closingMu.Unlock()

			s.lines.Add(1)
			if err := s.fanOut(ctx, line); err != nil {
				return err
			}
		}
	}
}

// fanOut sends outside subscriberMu so a blocked lossless delivery never
// holds up Subscribe or Unsubscribe.
func (s *Mux[T]) fanOut(ctx context.Context, line string) error {
	s.subscriberMu.Lock()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.subscriberMu.Unlock()

	for _, sub := range subs {
		dropped, err := sub.deliver(ctx, line)
		if err != nil {
			return err
		}
		if dropped {
			s.dropped.Add(1)
		}
	}
	return nil
}

// Close closes every subscriber channel and the port.
func (s *Mux[T]) Close() error {
	s.closingMu.Lock()
	if s.closing {
		s.closingMu.Unlock()
		return nil
	}
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	subs := s.subscribers
	s.subscribers = make(map[string]*subscriber)
	s.subscriberMu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
	return s.port.Close()
}

// AttachAdminRoutes attaches a live tail of the raw event stream to the
// tsweb debug page served at /debug/.
func (s *Mux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("Feed lines", func() any { return s.Lines() })
	debug.KVFunc("Feed lines dropped", func() any { return s.Dropped() })

	// Server-Sent Events, one per line read from the port.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		_, _ = w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
