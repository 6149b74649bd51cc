package hub

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Registry owns the live connection handles: at most one device connection
// per device id, plus the set of operator consoles. Device entries use
// atomic map semantics so no global lock serializes unrelated devices.
type Registry struct {
	devices sync.Map // deviceID -> *Conn

	opMu      sync.RWMutex
	operators map[*Conn]struct{}

	metrics *Metrics
	log     zerolog.Logger
}

func NewRegistry(metrics *Metrics, log zerolog.Logger) *Registry {
	return &Registry{
		operators: make(map[*Conn]struct{}),
		metrics:   metrics,
		log:       log,
	}
}

// Register installs the connection for a device id, replacing any prior
// entry (last-writer-wins). The superseded connection is force-closed so
// the socket does not leak. Returns true when an entry was replaced.
func (r *Registry) Register(deviceID string, conn *Conn) bool {
	prev, loaded := r.devices.Swap(deviceID, conn)
	if loaded {
		r.log.Warn().Str("device", deviceID).Msg("duplicate registration, closing superseded connection")
		prev.(*Conn).Close()
	} else {
		r.metrics.DevicesConnected.Inc()
	}
	return loaded
}

// Unregister removes the device entry, but only if it still maps to the
// given connection. A connection that was already superseded must not tear
// down its replacement's entry.
func (r *Registry) Unregister(deviceID string, conn *Conn) bool {
	if r.devices.CompareAndDelete(deviceID, conn) {
		r.metrics.DevicesConnected.Dec()
		return true
	}
	return false
}

// SendTo delivers one event to a device, fire-and-forget. False when the
// device has no live session or cannot accept the frame.
func (r *Registry) SendTo(deviceID, event string, payload any) bool {
	v, ok := r.devices.Load(deviceID)
	if !ok {
		return false
	}
	conn := v.(*Conn)
	if err := conn.Send(event, payload); err != nil {
		r.metrics.SendFailures.Inc()
		r.log.Debug().Str("device", deviceID).Str("event", event).Err(err).Msg("send failed")
		return false
	}
	return true
}

// DeviceIDs returns the ids of currently connected devices, sorted.
func (r *Registry) DeviceIDs() []string {
	var ids []string
	r.devices.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// AddOperator registers an operator console connection.
func (r *Registry) AddOperator(conn *Conn) {
	r.opMu.Lock()
	r.operators[conn] = struct{}{}
	r.opMu.Unlock()
	r.metrics.OperatorsConnected.Inc()
}

// RemoveOperator drops an operator connection and closes it.
func (r *Registry) RemoveOperator(conn *Conn) {
	r.opMu.Lock()
	_, ok := r.operators[conn]
	if ok {
		delete(r.operators, conn)
	}
	r.opMu.Unlock()
	if ok {
		r.metrics.OperatorsConnected.Dec()
		conn.Close()
	}
}

// BroadcastToOperators fans one event out to every operator. A failure on
// one connection never blocks the others; operators that cannot keep up
// are disconnected.
func (r *Registry) BroadcastToOperators(event string, payload any) {
	r.opMu.RLock()
	conns := make([]*Conn, 0, len(r.operators))
	for c := range r.operators {
		conns = append(conns, c)
	}
	r.opMu.RUnlock()

	for _, c := range conns {
		if err := c.Send(event, payload); err != nil {
			r.metrics.SendFailures.Inc()
			r.log.Debug().Str("event", event).Err(err).Msg("operator send failed, disconnecting")
			r.RemoveOperator(c)
		}
	}
}

// OperatorCount reports how many operator consoles are attached.
func (r *Registry) OperatorCount() int {
	r.opMu.RLock()
	defer r.opMu.RUnlock()
	return len(r.operators)
}
