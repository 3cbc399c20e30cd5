package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/nexusrepl/auth"
	"github.com/INLOpen/nexusrepl/compressors"
	"github.com/INLOpen/nexusrepl/core"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// SinkHandler consumes the messages of one incoming session.
// replication.SinkManager implements it.
type SinkHandler interface {
	Receive(ctx context.Context, msg *core.Message) (*core.Message, error)
}

// SinkFactory returns the handler of a session the router has not seen.
// It returns core.ErrSessionNotFound for sessions that are not part of the
// topology. It runs with the routing table locked and must not call back
// into the Router.
type SinkFactory func(session core.Session) (SinkHandler, error)

// Router is the session routing table of incoming replication traffic.
type Router struct {
	localClusterID string
	factory        SinkFactory
	logger         *slog.Logger
	leader         atomic.Bool
	maxPayload     atomic.Int64

	mu       sync.RWMutex
	handlers map[core.Session]SinkHandler
}

var _ LogReplicationServer = (*Router)(nil)

// NewRouter creates a router for the local cluster. factory may be nil, in
// which case only registered sessions are served.
func NewRouter(localClusterID string, factory SinkFactory, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Router{
		localClusterID: localClusterID,
		factory:        factory,
		logger:         logger.With("component", "Router"),
		handlers:       make(map[core.Session]SinkHandler),
	}
}

// SetFactory replaces the factory used for sessions without a route.
func (r *Router) SetFactory(factory SinkFactory) {
	r.mu.Lock()
	r.factory = factory
	r.mu.Unlock()
}

// SetMaxPayloadSize bounds the decompressed payload of incoming messages.
// Zero disables the check.
func (r *Router) SetMaxPayloadSize(n int) {
	r.maxPayload.Store(int64(n))
}

// SetLeader updates whether the local node accepts replication traffic.
// It returns false when the value did not change.
func (r *Router) SetLeader(leader bool) bool {
	return r.leader.Swap(leader) != leader
}

func (r *Router) IsLeader() bool {
	return r.leader.Load()
}

// Register routes the messages of session to h.
func (r *Router) Register(session core.Session, h SinkHandler) {
	r.mu.Lock()
	r.handlers[session] = h
	r.mu.Unlock()
}

// Unregister releases the route of session.
func (r *Router) Unregister(session core.Session) {
	r.mu.Lock()
	delete(r.handlers, session)
	r.mu.Unlock()
}

func (r *Router) handler(session core.Session) (SinkHandler, error) {
	r.mu.RLock()
	h, ok := r.handlers[session]
	r.mu.RUnlock()
	if ok {
		return h, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handlers[session]; ok {
		return h, nil
	}
	if r.factory == nil {
		return nil, core.ErrSessionNotFound
	}
	h, err := r.factory(session)
	if err != nil {
		return nil, err
	}
	r.handlers[session] = h
	return h, nil
}

// Replicate hands an incoming message to the sink of its session and
// returns the resulting ack.
func (r *Router) Replicate(ctx context.Context, req *ReplicateRequest) (*ReplicateResponse, error) {
	if !r.IsLeader() {
		return nil, toStatus(core.ErrNotLeader)
	}
	if req.Session.SinkClusterID != r.localClusterID {
		r.logger.Warn("Dropping message for another cluster", "session", req.Session.String())
		return nil, toStatus(core.ErrSessionNotFound)
	}
	if peer, ok := auth.PeerFromContext(ctx); ok && peer.ClusterID != req.Session.SourceClusterID {
		return nil, status.Errorf(codes.PermissionDenied, "peer %q cannot replicate as %q", peer.ClusterID, req.Session.SourceClusterID)
	}

	h, err := r.handler(req.Session)
	if err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			r.logger.Debug("Dropping message for unknown session", "session", req.Session.String())
		}
		return nil, toStatus(err)
	}

	msg := req.Message
	limit := r.maxPayload.Load()
	if limit > 0 {
		if n, ok := compressors.DecodedLen(req.Compression, msg.Payload); ok && int64(n) > limit {
			return nil, status.Errorf(codes.ResourceExhausted, "payload of %d bytes exceeds limit %d", n, limit)
		}
	}
	if req.Compression != core.CompressionNone && len(msg.Payload) > 0 {
		c, err := compressors.ForType(req.Compression)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		if msg.Payload, err = c.Decompress(msg.Payload); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decompress payload: %v", err)
		}
		if limit > 0 && int64(len(msg.Payload)) > limit {
			return nil, status.Errorf(codes.ResourceExhausted, "payload of %d bytes exceeds limit %d", len(msg.Payload), limit)
		}
	}

	ack, err := h.Receive(ctx, &msg)
	if err != nil {
		if !errors.Is(err, core.ErrSnapshotRequired) {
			r.logger.Warn("Sink failed to receive message", "session", req.Session.String(), "type", msg.Metadata.Type.String(), "error", err)
		}
		return nil, toStatus(fmt.Errorf("session %s: %w", req.Session, err))
	}
	return &ReplicateResponse{Ack: ack}, nil
}

// QueryLeadership reports the leadership of the local node.
func (r *Router) QueryLeadership(ctx context.Context, req *LeadershipQuery) (*LeadershipResponse, error) {
	return &LeadershipResponse{Leader: r.IsLeader(), ClusterID: r.localClusterID}, nil
}
