package services

import (
	"context"
	"slices"
	"sync"

	"github.com/flashbots/auctionsession/member"
)

// MemoryTaskStore keeps task snapshots for the lifetime of the process.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[int]member.TaskState
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[int]member.TaskState)}
}

// Save stores a newly joined task, replacing any earlier task of the same
// session.
func (s *MemoryTaskStore) Save(_ context.Context, task member.TaskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.SessionID] = task
	return nil
}

func (s *MemoryTaskStore) Update(_ context.Context, task member.TaskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.SessionID] = task
	return nil
}

func (s *MemoryTaskStore) Get(_ context.Context, sessionID int) (member.TaskState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[sessionID]
	if !ok {
		return member.TaskState{}, member.ErrTaskNotFound
	}
	return task, nil
}

// List returns all tasks ordered by session id.
func (s *MemoryTaskStore) List(_ context.Context) ([]member.TaskState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]member.TaskState, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	slices.SortFunc(tasks, func(a, b member.TaskState) int { return a.SessionID - b.SessionID })
	return tasks, nil
}
