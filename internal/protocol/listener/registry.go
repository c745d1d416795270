package listener

import (
	"reflect"
	"sync"

	"github.com/danmuck/agentwire/internal/protocol/message"
	"github.com/rs/zerolog"
)

// Registry holds listeners in insertion order, filed by capability when added.
type Registry struct {
	mu       sync.RWMutex
	all      []Named
	debug    []DebugListener
	conn     []ConnectionListener
	protocol []SocketProtocolListener

	console zerolog.Logger
}

// NewRegistry returns an empty registry. console receives events for which no
// listener of the matching capability is registered.
func NewRegistry(console zerolog.Logger) *Registry {
	return &Registry{console: console}
}

// Add registers l once. It returns false when l is already present or cannot
// be compared for identity.
func (r *Registry) Add(l Named) bool {
	if l == nil {
		return false
	}
	if !reflect.TypeOf(l).Comparable() {
		r.console.Warn().Str("listener", l.ListenerName()).Msg("listener type is not comparable; refused")
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.all {
		if existing == l {
			return false
		}
	}
	r.all = append(r.all, l)
	if d, ok := l.(DebugListener); ok {
		r.debug = append(r.debug, d)
	}
	if c, ok := l.(ConnectionListener); ok {
		r.conn = append(r.conn, c)
	}
	if p, ok := l.(SocketProtocolListener); ok {
		r.protocol = append(r.protocol, p)
	}
	return true
}

// Remove unregisters l from every capability. It returns false if l was absent.
func (r *Registry) Remove(l Named) bool {
	if l == nil || !reflect.TypeOf(l).Comparable() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := -1
	for i, existing := range r.all {
		if existing == l {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	r.all = append(r.all[:idx:idx], r.all[idx+1:]...)
	r.debug = without(r.debug, l)
	r.conn = without(r.conn, l)
	r.protocol = without(r.protocol, l)
	return true
}

func without[T Named](in []T, l Named) []T {
	out := make([]T, 0, len(in))
	for _, v := range in {
		if Named(v) != l {
			out = append(out, v)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.all)
}

// Names returns listener names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.all))
	for _, l := range r.all {
		out = append(out, l.ListenerName())
	}
	return out
}

func (r *Registry) debugSnapshot() []DebugListener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]DebugListener(nil), r.debug...)
}

func (r *Registry) connSnapshot() []ConnectionListener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ConnectionListener(nil), r.conn...)
}

func (r *Registry) protocolSnapshot() []SocketProtocolListener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]SocketProtocolListener(nil), r.protocol...)
}

// notify runs fn for one listener; a panic is logged and does not stop the fan-out.
func (r *Registry) notify(l Named, event string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.console.Error().
				Str("listener", l.ListenerName()).
				Str("event", event).
				Interface("panic", rec).
				Msg("listener panicked")
		}
	}()
	fn()
}

// Debug fans text out to debug listeners. Without any, it is written to the
// console with no level so that only a disabled logger drops it.
func (r *Registry) Debug(text string) {
	sinks := r.debugSnapshot()
	if len(sinks) == 0 {
		r.console.Log().Str("channel", "debug").Msg(text)
		return
	}
	for _, l := range sinks {
		r.notify(l, "debug", func() { l.OnReceiveDebug(text) })
	}
}

func (r *Registry) Connection() {
	sinks := r.connSnapshot()
	if len(sinks) == 0 {
		r.console.Info().Msg("connection established")
		return
	}
	for _, l := range sinks {
		r.notify(l, "connection", l.OnReceiveConnection)
	}
}

func (r *Registry) LocalShutdown(cause message.ShutdownCause) {
	sinks := r.connSnapshot()
	if len(sinks) == 0 {
		r.console.Info().Stringer("cause", cause).Msg(cause.Description())
		return
	}
	for _, l := range sinks {
		r.notify(l, "local_shutdown", func() { l.OnReceiveLocalShutdown(cause) })
	}
}

func (r *Registry) RemoteShutdown(cause message.ShutdownCause) {
	sinks := r.connSnapshot()
	if len(sinks) == 0 {
		r.console.Info().Stringer("cause", cause).Str("side", "remote").Msg(cause.Description())
		return
	}
	for _, l := range sinks {
		r.notify(l, "remote_shutdown", func() { l.OnReceiveRemoteShutdown(cause) })
	}
}

func (r *Registry) Ready() {
	r.eachProtocol("ready", func(l SocketProtocolListener) { l.OnReceiveReady() },
		func(e *zerolog.Event) { e.Msg("remote ready") })
}

func (r *Registry) Running() {
	r.eachProtocol("running", func(l SocketProtocolListener) { l.OnReceiveRunning() },
		func(e *zerolog.Event) { e.Msg("remote running") })
}

func (r *Registry) Result(status message.Status, info string) {
	r.eachProtocol("result", func(l SocketProtocolListener) { l.OnReceiveResult(status, info) },
		func(e *zerolog.Event) { e.Stringer("status", status).Str("info", info).Msg("remote result") })
}

func (r *Registry) ResultProperties(props map[string]string) {
	r.eachProtocol("result_props", func(l SocketProtocolListener) { l.OnReceiveResultProperties(props) },
		func(e *zerolog.Event) { e.Int("props", len(props)).Msg("remote result properties") })
}

func (r *Registry) Exception(text string) {
	r.eachProtocol("exception", func(l SocketProtocolListener) { l.OnReceiveException(text) },
		func(e *zerolog.Event) { e.Str("text", text).Msg("remote exception") })
}

func (r *Registry) Message(text string) {
	r.eachProtocol("message", func(l SocketProtocolListener) { l.OnReceiveMessage(text) },
		func(e *zerolog.Event) { e.Str("text", text).Msg("remote message") })
}

func (r *Registry) eachProtocol(event string, fn func(SocketProtocolListener), fallback func(*zerolog.Event)) {
	sinks := r.protocolSnapshot()
	if len(sinks) == 0 {
		fallback(r.console.Info().Str("event", event))
		return
	}
	for _, l := range sinks {
		r.notify(l, event, func() { fn(l) })
	}
}
