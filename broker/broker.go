// Package broker fans out change notifications ("pokes") to whatever
// process-local or cross-instance signaling mechanism a deployment wires up,
// so the subscription engine can wake waiting SSE connections without
// polling the changelog.
package broker

import "sync"

// Poke notifies that scope has new changelog entries up to cursor.
type Poke struct {
	Scope  string
	Cursor uint64
}

// Broker delivers a Poke to interested listeners. Implementations must not
// block the caller for longer than a best-effort fan-out takes; a slow or
// unavailable downstream should drop the notification rather than stall
// the writer that produced the change.
type Broker interface {
	Poke(scope string, cursor uint64)
}

// Listener is an optional capability a Broker implementation can provide
// so a subscriber can wait on a scope's pokes instead of only receiving
// fire-and-forget ones. A subscribe.Server type-asserts its configured
// Broker for this interface; a Broker that doesn't implement it (Nop,
// Func, a Redis-only Multi member) just means that subscriber falls back
// to polling the changelog on its own ticker.
type Listener interface {
	// Listen registers for pokes on scope, returning a channel that
	// receives each poked cursor and a cancel func that unregisters it.
	// The channel must never be sent to after cancel returns.
	Listen(scope string) (ch <-chan uint64, cancel func())
}

// Nop discards every poke; useful for single-instance deployments where the
// changelog's own cursor tracking is the only signal subscribers need.
type Nop struct{}

func (Nop) Poke(scope string, cursor uint64) {}

// Func adapts a plain function to Broker.
type Func func(scope string, cursor uint64)

func (f Func) Poke(scope string, cursor uint64) { f(scope, cursor) }

// Multi fans a poke out to every registered Broker, e.g. an in-process
// broker plus a Redis pub/sub broker for multi-instance clustering.
type Multi struct {
	mu       sync.RWMutex
	brokers  []Broker
}

// NewMulti returns a Multi wrapping the given brokers.
func NewMulti(brokers ...Broker) *Multi {
	m := &Multi{}
	m.brokers = append(m.brokers, brokers...)
	return m
}

// Add registers an additional downstream Broker.
func (m *Multi) Add(b Broker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.brokers = append(m.brokers, b)
}

func (m *Multi) Poke(scope string, cursor uint64) {
	m.mu.RLock()
	brokers := make([]Broker, len(m.brokers))
	copy(brokers, m.brokers)
	m.mu.RUnlock()

	for _, b := range brokers {
		b.Poke(scope, cursor)
	}
}
