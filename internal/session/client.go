package session

import (
	"context"

	"github.com/coderace/backend/internal/rpc"
)

// Methods every owned race exposes, keyed by its id.
const (
	MethodJoin           = "join"
	MethodReportProgress = "reportProgress"
	MethodHeartbeat      = "heartbeat"
)

// Client calls race methods on whichever process owns the race. A race
// nobody owns times out; callers treat that exactly like ErrSessionNotFound.
type Client struct {
	bridge *rpc.Bridge
}

func NewClient(bridge *rpc.Bridge) *Client {
	return &Client{bridge: bridge}
}

func (c *Client) Join(ctx context.Context, raceID string, user User, requestID string) (Snapshot, error) {
	var snap Snapshot
	err := c.bridge.Call(ctx, raceID, MethodJoin, &snap, user, requestID)
	return snap, err
}

func (c *Client) ReportProgress(ctx context.Context, raceID string, user User, progress int, requestID string) (Snapshot, error) {
	var snap Snapshot
	err := c.bridge.Call(ctx, raceID, MethodReportProgress, &snap, user, progress, requestID)
	return snap, err
}

func (c *Client) Heartbeat(ctx context.Context, raceID string) error {
	return c.bridge.Call(ctx, raceID, MethodHeartbeat, nil)
}
