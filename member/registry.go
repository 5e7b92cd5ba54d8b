package member

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/flashbots/auctionsession/engine"
	"github.com/flashbots/auctionsession/protocol"
)

// Registry runs one Member per joined session and lends each of them an
// evaluation port from a fixed pool.
type Registry struct {
	config    *protocol.MemberConfig
	store     TaskStore
	evaluator engine.Evaluator
	log       *slog.Logger
	opts      []Option

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	ports    []int
	sessions map[int]*Member
}

// NewRegistry creates a registry with every configured port available.
// Options are applied to every member it starts.
func NewRegistry(config *protocol.MemberConfig, store TaskStore, evaluator engine.Evaluator, log *slog.Logger, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())

	// Ports are taken from the end of the pool, so the first configured port
	// is handed out first.
	ports := slices.Clone(config.EvalPorts)
	slices.Reverse(ports)

	return &Registry{
		config:    config,
		store:     store,
		evaluator: evaluator,
		log:       log,
		opts:      append([]Option{WithLogger(log)}, opts...),
		ctx:       ctx,
		cancel:    cancel,
		ports:     ports,
		sessions:  make(map[int]*Member),
	}
}

// Join starts a member for the session. It returns false without side effects
// if the session is already active or no port is free.
func (r *Registry) Join(sessionID int, host protocol.Address, bid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx.Err() != nil {
		return false
	}
	if _, active := r.sessions[sessionID]; active {
		r.log.Warn("session already joined", "session", sessionID)
		return false
	}
	if len(r.ports) == 0 {
		r.log.Warn("no evaluation port available", "session", sessionID)
		return false
	}

	port := r.ports[len(r.ports)-1]
	r.ports = r.ports[:len(r.ports)-1]

	task := NewTask(sessionID, host, port, bid)
	if err := r.store.Save(r.ctx, task.Snapshot()); err != nil {
		r.log.Warn("could not save task", "session", sessionID, "err", err)
	}

	m := New(r.config, task, r.store, r.evaluator, r, r.opts...)
	r.sessions[sessionID] = m

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		m.Run(r.ctx)
	}()

	r.log.Info("joined session", "session", sessionID, "host", host.String(), "port", port)
	return true
}

// Leave forwards a leave command to the session's member.
func (r *Registry) Leave(sessionID int) bool {
	m := r.lookup(sessionID)
	if m == nil {
		return false
	}
	return m.Leave()
}

// ChangeBid forwards a bid change to the session's member.
func (r *Registry) ChangeBid(sessionID, bid int) bool {
	m := r.lookup(sessionID)
	if m == nil {
		return false
	}
	return m.ChangeBid(bid)
}

// Available reports whether another session can be joined.
func (r *Registry) Available() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ports) > 0
}

// Active returns the ids of running sessions in ascending order.
func (r *Registry) Active() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Task returns the live task of an active session.
func (r *Registry) Task(sessionID int) (TaskState, bool) {
	m := r.lookup(sessionID)
	if m == nil {
		return TaskState{}, false
	}
	return m.Task(), true
}

// OnSessionEnded releases the session's port.
func (r *Registry) OnSessionEnded(task TaskState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, active := r.sessions[task.SessionID]; !active {
		return
	}
	delete(r.sessions, task.SessionID)
	r.ports = append(r.ports, task.EvalPort)
	r.log.Info("session ended", "session", task.SessionID, "phase", task.Phase, "error", task.Error)
}

// Close interrupts every running member and waits for them to finish.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Registry) lookup(sessionID int) *Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}
