package member

import (
	"context"
	"errors"
	"sync"

	"github.com/flashbots/auctionsession/protocol"
)

// Phase is the business-visible progress of a joined session.
type Phase string

const (
	PhaseRegistration Phase = "registration"
	PhaseRunning      Phase = "running"
	PhaseCompletion   Phase = "completion"
	PhaseAbortion     Phase = "abortion"
)

// UnsetPrice marks a final price that has not been computed.
const UnsetPrice = -1

var ErrTaskNotFound = errors.New("task not found")

// TaskState is a copy of a task at one point in time.
type TaskState struct {
	SessionID   int              `json:"session_id"`
	HostAddress protocol.Address `json:"host_address"`
	EvalPort    int              `json:"eval_port"`
	Bid         int              `json:"bid"`
	FinalPrice  int              `json:"final_price"`
	Won         bool             `json:"won"`
	Phase       Phase            `json:"phase"`
	Error       string           `json:"error,omitempty"`
}

// Finished reports whether the session reached a terminal phase.
func (s TaskState) Finished() bool {
	return s.Phase == PhaseCompletion || s.Phase == PhaseAbortion
}

// Task is the local state of one joined session. It is written by the
// member's phase goroutine and by bid changes, and may be read from anywhere.
type Task struct {
	mu    sync.RWMutex
	state TaskState
}

func NewTask(sessionID int, host protocol.Address, evalPort, bid int) *Task {
	return &Task{state: TaskState{
		SessionID:   sessionID,
		HostAddress: host,
		EvalPort:    evalPort,
		Bid:         bid,
		FinalPrice:  UnsetPrice,
		Phase:       PhaseRegistration,
	}}
}

func (t *Task) Snapshot() TaskState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Task) update(fn func(*TaskState)) TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.state)
	return t.state
}

// TaskStore persists task snapshots so that sessions can be observed from
// outside the process.
type TaskStore interface {
	Save(ctx context.Context, task TaskState) error
	Update(ctx context.Context, task TaskState) error
	Get(ctx context.Context, sessionID int) (TaskState, error)
	List(ctx context.Context) ([]TaskState, error)
}
