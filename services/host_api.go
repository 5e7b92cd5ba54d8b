package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/flashbots/auctionsession/engine"
	"github.com/flashbots/auctionsession/host"
	"github.com/flashbots/auctionsession/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

var ErrSessionExists = errors.New("session already hosted")

// HostedSession is one session started through a HostAPI.
type HostedSession struct {
	host *host.Host
	log  *slog.Logger
	done chan struct{}

	mu       sync.Mutex
	runErr   error
	result   *engine.Result
	winnerID int
	abortMsg string
}

// OnCompleted implements host.Listener.
func (s *HostedSession) OnCompleted(result engine.Result, winningMemberID int) {
	s.mu.Lock()
	s.result = &result
	s.winnerID = winningMemberID
	s.mu.Unlock()
	s.log.Info("session completed", "winner_member", winningMemberID, "winner_party", result.WinnerPartyID, "price", result.FinalPrice)
}

// OnError implements host.Listener.
func (s *HostedSession) OnError(message string) {
	s.mu.Lock()
	s.abortMsg = message
	s.mu.Unlock()
	s.log.Warn("session aborted", "reason", message)
}

// Host returns the running host.
func (s *HostedSession) Host() *host.Host {
	return s.host
}

// Done is closed once the host finished.
func (s *HostedSession) Done() <-chan struct{} {
	return s.done
}

// Outcome returns the reported result and winning member id, or the abort
// reason. It is only meaningful once Done is closed.
func (s *HostedSession) Outcome() (*engine.Result, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runErr != nil {
		return nil, -1, s.runErr
	}
	if s.abortMsg != "" {
		return nil, -1, errors.New(s.abortMsg)
	}
	return s.result, s.winnerID, nil
}

// HostAPI runs hosted sessions and reports their status over HTTP.
type HostAPI struct {
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[int]*HostedSession
}

func NewHostAPI(log *slog.Logger) *HostAPI {
	return &HostAPI{log: log, sessions: make(map[int]*HostedSession)}
}

// Start validates the configuration and runs a host for it in the background.
func (a *HostAPI) Start(ctx context.Context, config *protocol.HostConfig, evaluator engine.Evaluator, opts ...host.Option) (*HostedSession, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid host config: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.sessions[config.SessionID]; exists {
		return nil, fmt.Errorf("%w: %d", ErrSessionExists, config.SessionID)
	}

	session := &HostedSession{
		log:      a.log.With("session", config.SessionID),
		done:     make(chan struct{}),
		winnerID: -1,
	}
	opts = append([]host.Option{host.WithLogger(a.log)}, opts...)
	session.host = host.New(config, evaluator, session, opts...)
	a.sessions[config.SessionID] = session

	go func() {
		defer close(session.done)
		if err := session.host.Run(ctx); err != nil {
			session.mu.Lock()
			session.runErr = err
			session.mu.Unlock()
		}
	}()

	return session, nil
}

// Session returns a hosted session by id.
func (a *HostAPI) Session(sessionID int) (*HostedSession, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.sessions[sessionID]
	return s, ok
}

// RegisterRoutes registers the host status routes.
func (a *HostAPI) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Get("/sessions", a.handleListSessions)
		r.Get("/sessions/{id}", a.handleGetSession)
	})
}

func (a *HostAPI) handleListSessions(w http.ResponseWriter, req *http.Request) {
	a.mu.RLock()
	statuses := make([]host.Status, 0, len(a.sessions))
	for _, s := range a.sessions {
		statuses = append(statuses, s.host.Status())
	}
	a.mu.RUnlock()

	slices.SortFunc(statuses, func(x, y host.Status) int { return x.SessionID - y.SessionID })
	writeJSON(w, http.StatusOK, statuses)
}

func (a *HostAPI) handleGetSession(w http.ResponseWriter, req *http.Request) {
	id, err := sessionIDParam(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s, ok := a.Session(id)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.host.Status())
}
