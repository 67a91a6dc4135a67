// Package sse provides a multi-client Server-Sent-Events broker, for
// handlers that need to register a connection and push named,
// ID-tagged events to it over time rather than draining one channel
// to completion (concave.Ctx.SSE covers that simpler case).
package sse

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	concave "github.com/concave/concave"
)

// Event is one Server-Sent Event frame.
type Event struct {
	ID    string
	Event string
	Data  string
	Retry int
}

// Client is one registered SSE connection.
type Client struct {
	Events chan *Event
	Done   chan struct{}

	w       http.ResponseWriter
	flusher http.Flusher

	closeOnce sync.Once
	mu        sync.Mutex
}

// Close signals the client is done. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Done)
	})
}

// Send queues an event for delivery. It never blocks: if the client
// is closed or its buffer is full, the event is dropped.
func (c *Client) Send(e *Event) {
	select {
	case <-c.Done:
		return
	default:
	}
	select {
	case c.Events <- e:
	default:
	}
}

// SendData is a shorthand for Send with only the Data field set.
func (c *Client) SendData(data string) {
	c.Send(&Event{Data: data})
}

// SendEvent is a shorthand for Send with Event and Data set.
func (c *Client) SendEvent(event, data string) {
	c.Send(&Event{Event: event, Data: data})
}

// send writes e to the underlying connection in SSE wire format and
// flushes it.
func (c *Client) send(e *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.ID != "" {
		fmt.Fprintf(c.w, "id: %s\n", e.ID)
	}
	if e.Event != "" {
		fmt.Fprintf(c.w, "event: %s\n", e.Event)
	}
	if e.Retry > 0 {
		fmt.Fprintf(c.w, "retry: %d\n", e.Retry)
	}
	for _, line := range strings.Split(e.Data, "\n") {
		fmt.Fprintf(c.w, "data: %s\n", line)
	}
	fmt.Fprint(c.w, "\n")
	if c.flusher != nil {
		c.flusher.Flush()
	}
}

// Broker fans events out to every registered Client, dropping them
// for any client whose buffer is full rather than blocking the
// broadcaster.
type Broker struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
}

// NewBroker starts and returns a Broker.
func NewBroker() *Broker {
	b := &Broker{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
	go b.run()
	return b
}

func (b *Broker) run() {
	for {
		select {
		case c := <-b.register:
			b.mu.Lock()
			b.clients[c] = true
			b.mu.Unlock()
		case c := <-b.unregister:
			b.mu.Lock()
			delete(b.clients, c)
			b.mu.Unlock()
		}
	}
}

// Register adds client to the broker and arranges for it to be
// removed automatically once client.Close is called.
func (b *Broker) Register(client *Client) {
	b.register <- client
	go func() {
		<-client.Done
		b.unregister <- client
	}()
}

// ClientCount returns the number of currently registered clients.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast sends e to every registered client.
func (b *Broker) Broadcast(e *Event) {
	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		c.Send(e)
	}
}

// BroadcastData is a shorthand for Broadcast with only Data set.
func (b *Broker) BroadcastData(data string) {
	b.Broadcast(&Event{Data: data})
}

// BroadcastEvent is a shorthand for Broadcast with Event and Data set.
func (b *Broker) BroadcastEvent(event, data string) {
	b.Broadcast(&Event{Event: event, Data: data})
}

// Options configures SSE connection setup.
type Options struct {
	// BufferSize sets each client's event buffer depth. Defaults to 10.
	BufferSize int
	// Retry, if set, is sent as the client reconnection delay (ms)
	// before the handler runs.
	Retry int
}

// Handler is invoked with a freshly registered Client once a request
// has been upgraded to an event stream. It should arrange for
// client.Close to be called when the stream should end, typically by
// registering the client with a Broker and waiting on a done signal.
type Handler func(c *concave.Ctx, client *Client)

// New returns SSE middleware with default options.
func New(handler Handler) concave.Middleware {
	return WithOptions(handler, Options{})
}

// WithOptions returns SSE middleware configured by opts. Requests
// whose Accept header explicitly excludes text/event-stream, or whose
// ResponseWriter doesn't support flushing, fall through to next
// unchanged.
func WithOptions(handler Handler, opts Options) concave.Middleware {
	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = 10
	}

	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			accept := c.Request().Header.Get("Accept")
			if accept != "" && accept != "*/*" && !strings.Contains(accept, "text/event-stream") {
				return next(c)
			}

			fl, ok := c.Writer().(http.Flusher)
			if !ok {
				return next(c)
			}

			h := c.Header()
			h.Set("Content-Type", "text/event-stream; charset=utf-8")
			h.Set("Cache-Control", "no-cache")
			h.Set("Connection", "keep-alive")
			c.Writer().WriteHeader(http.StatusOK)
			fl.Flush()

			client := &Client{
				Events:  make(chan *Event, bufferSize),
				Done:    make(chan struct{}),
				w:       c.Writer(),
				flusher: fl,
			}
			if opts.Retry > 0 {
				client.send(&Event{Retry: opts.Retry})
			}

			go handler(c, client)

			ctx := c.Context()
			for {
				select {
				case <-client.Done:
					return nil
				case <-ctx.Done():
					client.Close()
					return nil
				case e, open := <-client.Events:
					if !open {
						return nil
					}
					client.send(e)
				}
			}
		}
	}
}
