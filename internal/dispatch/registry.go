package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// WorkerStatus is the lifecycle state of a worker or maintenance loop.
type WorkerStatus int32

const (
	WorkerStarted WorkerStatus = iota
	WorkerWaiting
	WorkerRunning
	WorkerStopped
)

func (s WorkerStatus) String() string {
	switch s {
	case WorkerWaiting:
		return "WAITING"
	case WorkerRunning:
		return "RUNNING"
	case WorkerStopped:
		return "STOPPED"
	default:
		return "STARTED"
	}
}

func (s WorkerStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// slot is the published state of one worker. Only its worker writes it.
type slot struct {
	id      string
	status  atomic.Int32
	current atomic.Pointer[push.Message]
}

func (s *slot) setStatus(status WorkerStatus) {
	s.status.Store(int32(status))
}

func (s *slot) begin(msg *push.Message) {
	s.current.Store(msg)
	s.setStatus(WorkerRunning)
}

func (s *slot) idle() {
	s.setStatus(WorkerWaiting)
	s.current.Store(nil)
}

// WorkerState is a snapshot of one worker.
type WorkerState struct {
	ID        string       `json:"id"`
	Status    WorkerStatus `json:"status"`
	MessageID string       `json:"messageId,omitempty"`
	Big       bool         `json:"big,omitempty"`
}

// Registry is the read-only view workers share of each other's state. The
// reads are unsynchronized snapshots, so admission decisions built on them
// are approximate.
type Registry struct {
	mu    sync.RWMutex
	slots []*slot
}

func (r *Registry) register(id string) *slot {
	s := &slot{id: id}
	r.mu.Lock()
	r.slots = append(r.slots, s)
	r.mu.Unlock()
	return s
}

// BigRunningExcept counts workers other than id that are running a big message.
func (r *Registry) BigRunningExcept(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, s := range r.slots {
		if s.id == id || WorkerStatus(s.status.Load()) != WorkerRunning {
			continue
		}
		if msg := s.current.Load(); msg != nil && msg.IsBig() {
			count++
		}
	}
	return count
}

// Snapshot lists every registered worker.
func (r *Registry) Snapshot() []WorkerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make([]WorkerState, 0, len(r.slots))
	for _, s := range r.slots {
		state := WorkerState{ID: s.id, Status: WorkerStatus(s.status.Load())}
		if msg := s.current.Load(); msg != nil {
			state.MessageID = msg.ID
			state.Big = msg.IsBig()
		}
		states = append(states, state)
	}
	return states
}
