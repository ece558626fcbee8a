package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/coderace/backend/internal/rpc"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// MethodSend is exposed under every user id held by this process.
const MethodSend = "send"

// Sender accepts encoded frames for one client.
type Sender interface {
	Send(data []byte) error
}

type registration struct {
	conn     Sender
	exposure *rpc.Exposure
}

// Registry maps user ids to the local connection holding them and makes
// each reachable from any process through the bridge.
type Registry struct {
	bridge *rpc.Bridge
	log    zerolog.Logger

	mu    sync.Mutex
	users map[string]*registration
}

func NewRegistry(bridge *rpc.Bridge, logger zerolog.Logger) *Registry {
	return &Registry{
		bridge: bridge,
		log:    logger,
		users:  make(map[string]*registration),
	}
}

// Register routes userID to conn. Registering the connection already held
// is a no-op; a different connection replaces the previous one.
func (r *Registry) Register(ctx context.Context, userID string, conn Sender) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.users[userID]
	if ok && prev.conn == conn {
		return nil
	}
	if ok {
		prev.exposure.Close()
		delete(r.users, userID)
		r.log.Debug().Str("userId", userID).Msg("replacing connection")
	}

	exposure, err := r.bridge.Expose(ctx, userID, rpc.Methods{
		MethodSend: func(_ context.Context, args rpc.Args) (any, error) {
			var frame []byte
			if err := args.Decode(0, &frame); err != nil {
				return nil, err
			}
			return nil, conn.Send(frame)
		},
	})
	if err != nil {
		return fmt.Errorf("registering %s: %w", userID, err)
	}
	r.users[userID] = &registration{conn: conn, exposure: exposure}
	return nil
}

// Unregister drops userID if it still routes to conn.
func (r *Registry) Unregister(userID string, conn Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.users[userID]
	if !ok || reg.conn != conn {
		return
	}
	reg.exposure.Close()
	delete(r.users, userID)
}

// Deliver sends msg, JSON encoded, to userID wherever it is connected. It
// times out when no process holds the user.
func (r *Registry) Deliver(ctx context.Context, userID string, msg any) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	return r.deliver(ctx, userID, frame)
}

func (r *Registry) deliver(ctx context.Context, userID string, frame []byte) error {
	if err := r.bridge.Call(ctx, userID, MethodSend, nil, frame); err != nil {
		return fmt.Errorf("deliver to %s: %w", userID, err)
	}
	return nil
}

// SendToMembers delivers msg to every user concurrently. One failure does
// not stop the others; all failures are returned joined.
func (r *Registry) SendToMembers(ctx context.Context, userIDs []string, msg any) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, id := range userIDs {
		g.Go(func() error {
			if err := r.deliver(ctx, id, frame); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// Len is the number of users connected to this process.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// Close drops every registration.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, reg := range r.users {
		reg.exposure.Close()
		delete(r.users, id)
	}
}
