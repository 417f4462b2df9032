// Package status holds the last confirmed mount state of the vault and fans
// out lifecycle events to subscribers such as the CLI, the volume plugin and
// desktop notifications.
package status

import (
	"sync"
	"sync/atomic"

	"github.com/kriansa/vaultctl/internal/paths"
)

// State is the mount state of the vault
type State int32

const (
	Unmounted State = iota
	Mounted
)

func (s State) String() string {
	if s == Mounted {
		return "mounted"
	}
	return "unmounted"
}

// Operation names a vault operation
type Operation string

const (
	OpMount   Operation = "mount"
	OpUnmount Operation = "unmount"
	OpToggle  Operation = "toggle"
	OpRefresh Operation = "refresh"
)

// Kind classifies a failed operation
type Kind string

const (
	KindConfig        Kind = "config"
	KindBusy          Kind = "busy"
	KindSpawn         Kind = "spawn"
	KindProbe         Kind = "probe"
	KindMountFailed   Kind = "mount_failed"
	KindUnmountFailed Kind = "unmount_failed"
	KindNotMounted    Kind = "not_mounted"
	KindCanceled      Kind = "canceled"
	KindUnknown       Kind = "unknown"
)

// EventType identifies what an Event reports
type EventType int

const (
	// StatusChanged carries a confirmed state in State
	StatusChanged EventType = iota
	// OperationSucceeded carries the operation and the resolved Paths
	OperationSucceeded
	// OperationFailed carries the operation, its Kind and Err
	OperationFailed
	// ProbeWarning reports an inconclusive listing; the operation went on
	// treating the vault as unmounted
	ProbeWarning
	// RefreshRequested asks the host to reload whatever it has open under
	// the mount point
	RefreshRequested
)

// Event is a single notification sent to subscribers
type Event struct {
	Type  EventType
	State State
	Op    Operation
	Kind  Kind
	Paths paths.Volume
	Err   error
}

// Subscriber receives events. HandleEvent is called synchronously from the
// goroutine performing the operation and must not call back into it.
type Subscriber interface {
	HandleEvent(Event)
}

// SubscriberFunc adapts a function to Subscriber
type SubscriberFunc func(Event)

func (f SubscriberFunc) HandleEvent(e Event) { f(e) }

// Publisher stores the last confirmed state and notifies subscribers
type Publisher struct {
	state atomic.Int32

	mu          sync.RWMutex
	subscribers []Subscriber
}

// NewPublisher creates a publisher in the Unmounted state
func NewPublisher() *Publisher {
	return &Publisher{}
}

// Subscribe registers s for all future events
func (p *Publisher) Subscribe(s Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, s)
}

// State returns the last published state
func (p *Publisher) State() State {
	return State(p.state.Load())
}

// SetState records state and emits StatusChanged
func (p *Publisher) SetState(state State) {
	p.state.Store(int32(state))
	p.Emit(Event{Type: StatusChanged, State: state})
}

// Emit delivers e to every subscriber in registration order
func (p *Publisher) Emit(e Event) {
	p.mu.RLock()
	subs := make([]Subscriber, len(p.subscribers))
	copy(subs, p.subscribers)
	p.mu.RUnlock()

	for _, s := range subs {
		s.HandleEvent(e)
	}
}
