package hooks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/INLOpen/nexusrepl/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockListener is a mock implementation of HookListener for testing.
type mockListener struct {
	priority int
	// A channel to signal when OnEvent is called, for async tests.
	callSignal chan string
	// Records the order of calls, for sync tests.
	mu        sync.Mutex
	callOrder *[]string
	name      string
	returnErr error
	isAsync   bool
	// A function to be executed inside OnEvent, for payload modification tests.
	onEventFunc func(event HookEvent)
	workDelay   time.Duration
}

func (m *mockListener) OnEvent(ctx context.Context, event HookEvent) error {
	if m.workDelay > 0 {
		time.Sleep(m.workDelay)
	}
	if m.onEventFunc != nil {
		m.onEventFunc(event)
	}
	if m.callOrder != nil {
		m.mu.Lock()
		*m.callOrder = append(*m.callOrder, m.name)
		m.mu.Unlock()
	}
	if m.callSignal != nil {
		m.callSignal <- m.name
	}
	return m.returnErr
}

func (m *mockListener) Priority() int { return m.priority }
func (m *mockListener) IsAsync() bool { return m.isAsync }

func TestNewHookManager(t *testing.T) {
	manager, ok := NewHookManager(nil).(*DefaultHookManager)
	require.True(t, ok)
	assert.NotNil(t, manager.listeners)
	assert.NotNil(t, manager.logger)
}

func TestDefaultHookManager_Register(t *testing.T) {
	manager := NewHookManager(nil).(*DefaultHookManager)

	manager.Register(EventPreMessageSend, &mockListener{name: "listener1", priority: 10})
	manager.Register(EventPreMessageSend, &mockListener{name: "listener2", priority: 1})
	manager.Register(EventPreMessageSend, &mockListener{name: "listener3", priority: 5})
	manager.Register(EventPreMessageSend, &mockListener{name: "listener4", priority: 5})

	listeners := manager.listeners[EventPreMessageSend]
	require.Len(t, listeners, 4)
	var names []string
	for _, l := range listeners {
		names = append(names, l.listener.(*mockListener).name)
	}
	assert.Equal(t, []string{"listener2", "listener3", "listener4", "listener1"}, names)
}

func TestDefaultHookManager_Trigger(t *testing.T) {
	session := core.NewSession("A", "B")

	t.Run("PreHook", func(t *testing.T) {
		t.Run("should execute in priority order synchronously", func(t *testing.T) {
			manager := NewHookManager(nil)
			callOrder := make([]string, 0)
			manager.Register(EventPreMessageSend, &mockListener{name: "listener1", priority: 10, callOrder: &callOrder})
			manager.Register(EventPreMessageSend, &mockListener{name: "listener2", priority: 1, callOrder: &callOrder})
			manager.Register(EventPreMessageSend, &mockListener{name: "listener3", priority: 5, callOrder: &callOrder})

			err := manager.Trigger(context.Background(), NewPreMessageSendEvent(PreMessageSendPayload{Session: session}))
			require.NoError(t, err)
			assert.Equal(t, []string{"listener2", "listener3", "listener1"}, callOrder)
		})

		t.Run("should stop execution and return error on failure", func(t *testing.T) {
			manager := NewHookManager(nil)
			callOrder := make([]string, 0)
			simulatedErr := errors.New("simulated error")
			manager.Register(EventPreMessageSend, &mockListener{name: "listener1_p10", priority: 10, callOrder: &callOrder})
			manager.Register(EventPreMessageSend, &mockListener{name: "listener2_p1", priority: 1, callOrder: &callOrder})
			manager.Register(EventPreMessageSend, &mockListener{name: "listener3_p5_err", priority: 5, callOrder: &callOrder, returnErr: simulatedErr})

			err := manager.Trigger(context.Background(), NewPreMessageSendEvent(PreMessageSendPayload{Session: session}))
			require.ErrorIs(t, err, simulatedErr)
			assert.Equal(t, []string{"listener2_p1", "listener3_p5_err"}, callOrder)
		})

		t.Run("should allow payload modification", func(t *testing.T) {
			manager := NewHookManager(nil)
			manager.Register(EventPreMessageSend, &mockListener{
				name:     "modifier",
				priority: 1,
				onEventFunc: func(event HookEvent) {
					if p, ok := event.Payload().(PreMessageSendPayload); ok {
						p.Message.Payload = []byte("rewritten")
					}
				},
			})

			msg := &core.Message{Payload: []byte("original")}
			err := manager.Trigger(context.Background(), NewPreMessageSendEvent(PreMessageSendPayload{Session: session, Message: msg}))
			require.NoError(t, err)
			assert.Equal(t, []byte("rewritten"), msg.Payload)
		})

		t.Run("should ignore async flag and run synchronously", func(t *testing.T) {
			manager := NewHookManager(nil)
			callOrder := make([]string, 0)
			manager.Register(EventPreMessageSend, &mockListener{name: "pre_hook_async_request", priority: 1, isAsync: true, callOrder: &callOrder})

			require.NoError(t, manager.Trigger(context.Background(), NewPreMessageSendEvent(PreMessageSendPayload{})))
			assert.Equal(t, []string{"pre_hook_async_request"}, callOrder)
		})
	})

	t.Run("PostHook", func(t *testing.T) {
		t.Run("should execute async and sync listeners correctly", func(t *testing.T) {
			manager := NewHookManager(nil)
			signalChan := make(chan string, 1)
			callOrder := make([]string, 0)
			manager.Register(EventPostMessageApply, &mockListener{name: "post_listener_async", priority: 10, isAsync: true, callSignal: signalChan})
			manager.Register(EventPostMessageApply, &mockListener{name: "post_listener_sync", priority: 1, callOrder: &callOrder})

			err := manager.Trigger(context.Background(), NewPostMessageApplyEvent(PostMessageApplyPayload{Session: session, Applied: true}))
			require.NoError(t, err)
			assert.Equal(t, []string{"post_listener_sync"}, callOrder)

			select {
			case name := <-signalChan:
				assert.Equal(t, "post_listener_async", name)
			case <-time.After(time.Second):
				t.Fatal("Timed out waiting for async listener to be called")
			}
			manager.Stop()
		})

		t.Run("should not return error from sync listener and continue execution", func(t *testing.T) {
			manager := NewHookManager(nil)
			callOrder := make([]string, 0)
			manager.Register(EventPostAckReceive, &mockListener{name: "listener1_p1_err", priority: 1, callOrder: &callOrder, returnErr: errors.New("post hook error")})
			manager.Register(EventPostAckReceive, &mockListener{name: "listener2_p5", priority: 5, callOrder: &callOrder})

			err := manager.Trigger(context.Background(), NewPostAckReceiveEvent(PostAckReceivePayload{Session: session}))
			require.NoError(t, err)
			assert.Equal(t, []string{"listener1_p1_err", "listener2_p5"}, callOrder)
		})

		t.Run("leadership events are not vetoable", func(t *testing.T) {
			manager := NewHookManager(nil)
			manager.Register(EventOnLeadershipLose, &mockListener{name: "l", priority: 1, returnErr: errors.New("ignored")})
			assert.NoError(t, manager.Trigger(context.Background(), NewOnLeadershipLoseEvent(LeadershipPayload{LocalClusterID: "A"})))
		})
	})

	t.Run("should do nothing for event with no listeners", func(t *testing.T) {
		manager := NewHookManager(nil)
		assert.NoError(t, manager.Trigger(context.Background(), NewPostSessionCreateEvent(SessionPayload{Session: session})))
	})
}

func TestFire_NilManager(t *testing.T) {
	assert.NotPanics(t, func() {
		Fire(context.Background(), nil, NewPostSessionRemoveEvent(SessionPayload{}))
	})
}

func TestDefaultHookManager_Stop(t *testing.T) {
	manager := NewHookManager(nil)
	var listenerCompleted atomic.Bool
	delay := 50 * time.Millisecond

	manager.Register(EventPostSyncStatusChange, &mockListener{
		name:      "slow_async_listener",
		priority:  1,
		isAsync:   true,
		workDelay: delay,
		onEventFunc: func(event HookEvent) {
			listenerCompleted.Store(true)
		},
	})
	_ = manager.Trigger(context.Background(), NewPostSyncStatusChangeEvent(PostSyncStatusChangePayload{}))

	start := time.Now()
	manager.Stop()
	assert.True(t, time.Since(start) >= delay/2, "Stop returned before the async listener finished")
	assert.True(t, listenerCompleted.Load())
}

func BenchmarkTrigger_PreHook_10_Listeners(b *testing.B) {
	manager := NewHookManager(nil)
	for i := 0; i < 10; i++ {
		manager.Register(EventPreMessageSend, &mockListener{name: "l", priority: i})
	}
	event := NewPreMessageSendEvent(PreMessageSendPayload{})
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = manager.Trigger(ctx, event)
	}
}
