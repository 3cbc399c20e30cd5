package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/INLOpen/nexusrepl/core"
)

// EventType defines the type of a hook event.
type EventType string

// --- Event Type Constants ---
const (
	// Message Lifecycle Events
	EventPreMessageSend   EventType = "PreMessageSend"
	EventPostMessageApply EventType = "PostMessageApply"
	EventPostAckReceive   EventType = "PostAckReceive"

	// Session Lifecycle Events
	EventPostSessionCreate    EventType = "PostSessionCreate"
	EventPostSessionRemove    EventType = "PostSessionRemove"
	EventPostSyncStatusChange EventType = "PostSyncStatusChange"

	// Leadership Events
	EventOnLeadershipAcquire EventType = "OnLeadershipAcquire"
	EventOnLeadershipLose    EventType = "OnLeadershipLose"
)

// --- HookManager Interface and Implementation ---

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// It handles synchronous vs. asynchronous execution based on the event type and listener preference.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete. Useful for graceful shutdown.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	// Type returns the type of the event.
	Type() EventType
	// Payload returns the data associated with the event.
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// PreMessageSendPayload contains the data for a PreMessageSend event.
// Returning an error from a listener vetoes the send; the message is retried
// on the next send cycle.
type PreMessageSendPayload struct {
	Session core.Session
	Message *core.Message
}

// NewPreMessageSendEvent creates a new event for before a message is sent to a sink.
func NewPreMessageSendEvent(payload PreMessageSendPayload) HookEvent {
	return &BaseEvent{eventType: EventPreMessageSend, payload: payload}
}

// PostMessageApplyPayload contains the data for a PostMessageApply event.
type PostMessageApplyPayload struct {
	Session     core.Session
	Type        core.EntryType
	Watermark   int64
	PayloadSize int
	Applied     bool
}

// NewPostMessageApplyEvent creates a new event for after a sink applied (or
// failed to apply) an in-order message.
func NewPostMessageApplyEvent(payload PostMessageApplyPayload) HookEvent {
	return &BaseEvent{eventType: EventPostMessageApply, payload: payload}
}

// PostAckReceivePayload contains the data for a PostAckReceive event.
type PostAckReceivePayload struct {
	Session   core.Session
	Type      core.EntryType
	Watermark int64
}

// NewPostAckReceiveEvent creates a new event for after a source received an ack.
func NewPostAckReceiveEvent(payload PostAckReceivePayload) HookEvent {
	return &BaseEvent{eventType: EventPostAckReceive, payload: payload}
}

// SessionPayload is used for session create/remove events.
type SessionPayload struct {
	Session          core.Session
	TopologyConfigID int64
}

// NewPostSessionCreateEvent creates an event for after a session is created and wired.
func NewPostSessionCreateEvent(payload SessionPayload) HookEvent {
	return &BaseEvent{eventType: EventPostSessionCreate, payload: payload}
}

// NewPostSessionRemoveEvent creates an event for after a session is torn down.
func NewPostSessionRemoveEvent(payload SessionPayload) HookEvent {
	return &BaseEvent{eventType: EventPostSessionRemove, payload: payload}
}

// PostSyncStatusChangePayload contains the data for a PostSyncStatusChange event.
type PostSyncStatusChangePayload struct {
	Session   core.Session
	SyncType  core.SyncType
	Status    core.SyncStatus
	Remaining int64
}

// NewPostSyncStatusChangeEvent creates an event for after a session status was committed.
func NewPostSyncStatusChangeEvent(payload PostSyncStatusChangePayload) HookEvent {
	return &BaseEvent{eventType: EventPostSyncStatusChange, payload: payload}
}

// LeadershipPayload is used for leadership events.
type LeadershipPayload struct {
	LocalClusterID string
}

// NewOnLeadershipAcquireEvent creates an event for when the local node becomes leader.
func NewOnLeadershipAcquireEvent(payload LeadershipPayload) HookEvent {
	return &BaseEvent{eventType: EventOnLeadershipAcquire, payload: payload}
}

// NewOnLeadershipLoseEvent creates an event for when the local node loses leadership.
func NewOnLeadershipLoseEvent(payload LeadershipPayload) HookEvent {
	return &BaseEvent{eventType: EventOnLeadershipLose, payload: payload}
}

// --- HookListener Interface ---

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	// Returning an error from a "Pre" hook (e.g., PreMessageSend) can cancel the operation.
	// Errors from other hooks are logged without affecting the main operation.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for non-Pre events.
	IsAsync() bool
}

// listenerWithPriority wraps a listener with its priority.
type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// The map stores slices of listeners, kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup // For tracking async listeners
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		// Default to a discard logger to prevent nil panics if no logger is provided.
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger.With("component", "HookManager"),
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]

	// sort.Search finds the first index i where l[i].priority > item.priority,
	// so listeners with equal priority keep registration order.
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
	})

	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners, ok := m.listeners[event.Type()]
	m.mu.RUnlock()

	if !ok || len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		isListenerAsync := item.listener.IsAsync()

		// Pre-hooks MUST be synchronous to allow for cancellation.
		if isPreHook || !isListenerAsync {
			if isPreHook && isListenerAsync {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}

			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}

		m.wg.Add(1)
		go func(currentItem *listenerWithPriority) {
			defer m.wg.Done()
			if err := currentItem.listener.OnEvent(ctx, event); err != nil {
				m.logger.Error("Error from asynchronous hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}

// Fire triggers event on m if m is non-nil. Components that accept an
// optional HookManager use it for non-Pre events whose errors are only logged.
func Fire(ctx context.Context, m HookManager, event HookEvent) {
	if m == nil {
		return
	}
	_ = m.Trigger(ctx, event)
}
