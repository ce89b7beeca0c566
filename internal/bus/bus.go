package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultTimeout bounds a request when the caller does not override it.
const DefaultTimeout = 5 * time.Second

var (
	// ErrClosed is returned by operations on a disposed bus; pending
	// requests are failed with it as well.
	ErrClosed = errors.New("bus: closed")
	// ErrTimeout is returned when no matching response arrives in time.
	ErrTimeout = errors.New("bus: request timeout")
)

// Sender delivers an envelope to the peer context. Implementations stand in
// for window.postMessage: an in-process pair (Pair), or any transport that
// eventually calls Deliver on the peer bus.
type Sender interface {
	Send(env Envelope) error
}

// Handler receives inbound request and event envelopes for a topic.
type Handler func(env Envelope)

// Options configure a bus endpoint.
type Options struct {
	Transport Sender
	// Origin is this endpoint's own origin, stamped onto outbound
	// deliveries by Pair transports.
	Origin string
	// AllowedOrigin is the single origin inbound deliveries must claim.
	// Anything else is silently discarded.
	AllowedOrigin string
	// Source and TargetLabel name the two sides in envelopes.
	Source      string
	TargetLabel string
	// Clock overrides the time source (tests).
	Clock func() time.Time
}

// Bus is one endpoint of the envelope protocol.
type Bus struct {
	transport     Sender
	origin        string
	allowedOrigin string
	source        string
	targetLabel   string
	now           func() time.Time

	mu       sync.Mutex
	closed   bool
	nextSub  int
	handlers map[string]map[int]Handler
	pending  map[string]chan outcome
}

type outcome struct {
	payload json.RawMessage
	err     error
}

// New constructs a bus endpoint over the given transport.
func New(opts Options) *Bus {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Bus{
		transport:     opts.Transport,
		origin:        opts.Origin,
		allowedOrigin: opts.AllowedOrigin,
		source:        opts.Source,
		targetLabel:   opts.TargetLabel,
		now:           now,
		handlers:      make(map[string]map[int]Handler),
		pending:       make(map[string]chan outcome),
	}
}

// On registers a handler for a topic and returns its unsubscribe function.
func (b *Bus) On(topic string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	set, ok := b.handlers[topic]
	if !ok {
		set = make(map[int]Handler)
		b.handlers[topic] = set
	}
	id := b.nextSub
	b.nextSub++
	set[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.handlers[topic]; ok {
			delete(set, id)
		}
	}
}

// SendEvent emits a fire-and-forget event envelope.
func (b *Bus) SendEvent(topic string, payload any) error {
	env, err := newEnvelope(TypeEvent, topic, b.source, b.targetLabel, payload, b.now())
	if err != nil {
		return err
	}
	return b.send(env)
}

// Request sends a request envelope and waits for the correlated response.
// The wait ends on a matching response, on ctx cancellation, or after
// timeout (DefaultTimeout when zero). A response with status "error" is
// returned as its *ErrorInfo. Exactly one waiter exists per correlation id;
// late or duplicate responses for a resolved id are silently dropped.
func (b *Bus) Request(ctx context.Context, topic string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	env, err := newEnvelope(TypeRequest, topic, b.source, b.targetLabel, payload, b.now())
	if err != nil {
		return nil, err
	}

	ch := make(chan outcome, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.pending[env.Cid] = ch
	b.mu.Unlock()

	if err := b.send(env); err != nil {
		b.forget(env.Cid)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		return out.payload, nil
	case <-ctx.Done():
		b.forget(env.Cid)
		return nil, ctx.Err()
	case <-timer.C:
		// The response may have landed between the timer firing and this
		// branch running; prefer it over the timeout.
		select {
		case out := <-ch:
			if out.err != nil {
				return nil, out.err
			}
			return out.payload, nil
		default:
		}
		b.forget(env.Cid)
		return nil, fmt.Errorf("%w for %s (%s)", ErrTimeout, topic, env.Cid)
	}
}

// Respond sends a response envelope echoing the request's correlation id and
// swapping source/target.
func (b *Bus) Respond(req Envelope, payload any, status string, errInfo *ErrorInfo) error {
	env, err := newEnvelope(TypeResponse, req.Topic, b.source, req.Source, payload, b.now())
	if err != nil {
		return err
	}
	env.Cid = req.Cid
	env.Status = status
	env.Error = errInfo
	return b.send(env)
}

// Deliver is the inbound path, invoked by the transport with the origin the
// peer context claims. A mismatched origin or malformed envelope is
// discarded without error. Responses resolve their pending waiter; requests
// and events fan out to topic handlers.
func (b *Bus) Deliver(origin string, env Envelope) {
	if origin != b.allowedOrigin {
		return
	}
	if !env.valid() {
		return
	}

	if env.Type == TypeResponse {
		b.mu.Lock()
		ch, ok := b.pending[env.Cid]
		if ok {
			delete(b.pending, env.Cid)
		}
		b.mu.Unlock()
		if !ok {
			return
		}
		if env.Status == StatusError {
			errInfo := env.Error
			if errInfo == nil {
				errInfo = &ErrorInfo{Code: "error", Message: "unknown error"}
			}
			ch <- outcome{err: errInfo}
			return
		}
		ch <- outcome{payload: env.Payload}
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	set := b.handlers[env.Topic]
	hs := make([]Handler, 0, len(set))
	for _, h := range set {
		hs = append(hs, h)
	}
	b.mu.Unlock()

	for _, h := range hs {
		h(env)
	}
}

// Origin returns this endpoint's own origin.
func (b *Bus) Origin() string { return b.origin }

// Close disposes the bus: handler registrations are cleared and every
// pending request fails with ErrClosed. Safe to call multiple times.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	pending := b.pending
	b.pending = make(map[string]chan outcome)
	b.handlers = make(map[string]map[int]Handler)
	b.mu.Unlock()

	for _, ch := range pending {
		ch <- outcome{err: ErrClosed}
	}
}

func (b *Bus) send(env Envelope) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return b.transport.Send(env)
}

func (b *Bus) forget(cid string) {
	b.mu.Lock()
	delete(b.pending, cid)
	b.mu.Unlock()
}
