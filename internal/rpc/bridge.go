// Package rpc turns a set of named handlers into a remotely callable
// surface addressed by an arbitrary key, using the pub/sub bus for
// transport.
//
// The process that owns some piece of state exposes its handlers under the
// state's id. Any process can then Call a method by that id; the request is
// broadcast on the key, only the owner's exposure answers, and the caller
// matches the reply by request id. There is no routing table: a key with no
// exposure simply never answers and the call times out.
//
// Wire format, CBOR on the key's channel:
//
//	request: {requestId, method, args: [arg0, arg1, ...]}
//	reply:   {requestId, result} | {requestId, error: {code, message}}
package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coderace/backend/internal/clock"
	"github.com/coderace/backend/internal/codec"
	"github.com/coderace/backend/internal/ids"
	"github.com/coderace/backend/internal/metrics"
	"github.com/coderace/backend/internal/pubsub"
	"github.com/rs/zerolog"
)

const DefaultTimeout = 5 * time.Second

type envelope struct {
	RequestID string           `cbor:"requestId"`
	Method    string           `cbor:"method,omitempty"`
	Args      codec.RawMessage `cbor:"args,omitempty"`
	Result    codec.RawMessage `cbor:"result,omitempty"`
	Error     *Error           `cbor:"error,omitempty"`
}

// Args are the positional arguments of one request, still encoded.
type Args []codec.RawMessage

// Decode decodes argument i into v.
func (a Args) Decode(i int, v any) error {
	if i >= len(a) {
		return validationf("missing argument %d", i)
	}
	if err := codec.Unmarshal(a[i], v); err != nil {
		return validationf("argument %d: %v", i, err)
	}
	return nil
}

// Handler serves one method. The returned value is CBOR encoded into the
// reply; a returned error travels back as an *Error.
type Handler func(ctx context.Context, args Args) (any, error)

// Methods maps method names to handlers.
type Methods map[string]Handler

type Config struct {
	Bus     pubsub.Bus
	Timeout time.Duration
	Clock   clock.Clock
	IDs     ids.Generator
	Logger  zerolog.Logger
}

type Bridge struct {
	bus     pubsub.Bus
	timeout time.Duration
	clock   clock.Clock
	ids     ids.Generator
	log     zerolog.Logger
}

func New(cfg Config) *Bridge {
	b := &Bridge{
		bus:     cfg.Bus,
		timeout: cfg.Timeout,
		clock:   cfg.Clock,
		ids:     cfg.IDs,
		log:     cfg.Logger,
	}
	if b.timeout <= 0 {
		b.timeout = DefaultTimeout
	}
	if b.clock == nil {
		b.clock = clock.Real()
	}
	if b.ids == nil {
		b.ids = ids.UUID()
	}
	return b
}

// Timeout returns the per-call reply deadline.
func (b *Bridge) Timeout() time.Duration { return b.timeout }

// Exposure is a live set of handlers answering on one key.
type Exposure struct {
	bridge  *Bridge
	key     string
	methods Methods
	sub     pubsub.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     zerolog.Logger
}

// Expose answers requests on key with methods until the returned Exposure
// is closed. Only the owner of the state behind key may expose it; two
// exposures of one key would both answer every request.
func (b *Bridge) Expose(ctx context.Context, key string, methods Methods) (*Exposure, error) {
	if key == "" {
		return nil, fmt.Errorf("rpc: expose: empty key")
	}
	handlerCtx, cancel := context.WithCancel(context.Background())
	e := &Exposure{
		bridge:  b,
		key:     key,
		methods: methods,
		ctx:     handlerCtx,
		cancel:  cancel,
		log:     b.log.With().Str("key", key).Logger(),
	}
	sub, err := b.bus.Subscribe(ctx, key, e.handle)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("rpc: expose %s: %w", key, err)
	}
	e.sub = sub
	e.log.Debug().Msg("exposed")
	return e, nil
}

func (e *Exposure) Key() string { return e.key }

// Close stops answering. A handler already running finishes, but its
// reply is no longer published.
func (e *Exposure) Close() error {
	err := e.sub.Close()
	e.cancel()
	e.log.Debug().Msg("exposure closed")
	return err
}

// Wait blocks until the in-flight handler, if any, returns.
func (e *Exposure) Wait() { e.wg.Wait() }

func (e *Exposure) handle(payload []byte) {
	var req envelope
	if err := codec.Unmarshal(payload, &req); err != nil {
		e.reject("undecodable payload", err)
		return
	}
	if req.Method == "" && req.RequestID != "" {
		// A reply on our own key, meant for a caller.
		return
	}
	if req.RequestID == "" {
		e.reject("missing requestId", nil)
		return
	}
	handler, ok := e.methods[req.Method]
	if !ok {
		e.reject("unknown method "+req.Method, nil)
		return
	}
	if !codec.IsArray(req.Args) {
		e.reject("args is not an array", nil)
		return
	}
	var args Args
	if err := codec.Unmarshal(req.Args, &args); err != nil {
		e.reject("undecodable args", err)
		return
	}

	// Requests run one at a time on the subscription goroutine, so the
	// owner applies them in the order each publisher sent them. Handlers
	// must not block.
	e.wg.Add(1)
	defer e.wg.Done()
	e.invoke(req.RequestID, req.Method, handler, args)
}

func (e *Exposure) reject(reason string, err error) {
	metrics.RecordRejected()
	e.log.Debug().Err(err).Str("reason", reason).Msg("dropping request")
}

func (e *Exposure) invoke(requestID, method string, handler Handler, args Args) {
	result, err := e.run(handler, args)

	rep := envelope{RequestID: requestID}
	if err == nil {
		rep.Result, err = codec.Marshal(result)
	}
	if err != nil {
		rep.Result = nil
		rep.Error = toError(err)
		metrics.RecordHandled(method, "error")
	} else {
		metrics.RecordHandled(method, "ok")
	}

	data, err := codec.Marshal(rep)
	if err != nil {
		e.log.Error().Err(err).Str("method", method).Msg("encoding reply")
		return
	}
	if err := e.bridge.bus.Publish(e.ctx, e.key, data); err != nil {
		e.log.Warn().Err(err).Str("method", method).Str("requestId", requestID).Msg("publishing reply failed")
	}
}

func (e *Exposure) run(handler Handler, args Args) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Msg("handler panicked")
			err = &Error{Code: CodeInternal, Message: fmt.Sprintf("handler panic: %v", r)}
		}
	}()
	return handler(e.ctx, args)
}

// Call invokes method on whichever process exposes key and decodes the
// reply into result (which may be nil). It settles exactly once: on the
// first matching reply, on timeout, or when ctx is done. The temporary
// subscription is always released.
func (b *Bridge) Call(ctx context.Context, key, method string, result any, args ...any) error {
	if key == "" || method == "" {
		return validationf("call needs a key and a method")
	}
	start := b.clock.Now()

	encoded := make([]codec.RawMessage, len(args))
	for i, arg := range args {
		data, err := codec.Marshal(arg)
		if err != nil {
			return fmt.Errorf("rpc: encoding argument %d of %s: %w", i, method, err)
		}
		encoded[i] = data
	}
	argData, err := codec.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("rpc: encoding args of %s: %w", method, err)
	}

	requestID := b.ids.New()
	payload, err := codec.Marshal(envelope{RequestID: requestID, Method: method, Args: argData})
	if err != nil {
		return fmt.Errorf("rpc: encoding request: %w", err)
	}

	settled := make(chan envelope, 1)
	var once sync.Once
	sub, err := b.bus.Subscribe(ctx, key, func(p []byte) {
		var rep envelope
		if codec.Unmarshal(p, &rep) != nil {
			return
		}
		if rep.Method != "" || rep.RequestID != requestID {
			return
		}
		once.Do(func() { settled <- rep })
	})
	if err != nil {
		return fmt.Errorf("rpc: call %s.%s: %w", key, method, err)
	}
	defer sub.Close()

	if err := b.bus.Publish(ctx, key, payload); err != nil {
		b.record(method, "error", start)
		return fmt.Errorf("rpc: call %s.%s: %w", key, method, err)
	}

	expired := make(chan struct{})
	timer := b.clock.AfterFunc(b.timeout, func() { close(expired) })
	defer timer.Stop()

	select {
	case rep := <-settled:
		if rep.Error != nil {
			b.record(method, "error", start)
			return rep.Error
		}
		b.record(method, "ok", start)
		if result == nil || len(rep.Result) == 0 {
			return nil
		}
		if err := codec.Unmarshal(rep.Result, result); err != nil {
			return fmt.Errorf("rpc: decoding result of %s: %w", method, err)
		}
		return nil
	case <-expired:
		b.record(method, "timeout", start)
		return fmt.Errorf("%w for %q method %q", ErrTimeout, key, method)
	case <-ctx.Done():
		b.record(method, "canceled", start)
		return ctx.Err()
	}
}

func (b *Bridge) record(method, outcome string, start time.Time) {
	metrics.RecordCall(method, outcome, b.clock.Now().Sub(start))
}
