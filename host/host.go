package host

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/flashbots/auctionsession/engine"
	"github.com/flashbots/auctionsession/protocol"
	"go.uber.org/atomic"
)

// EvaluationStartTimeout bounds the staggered start of all members. It does
// not depend on the configured phase durations.
const EvaluationStartTimeout = 60 * time.Second

// Abort reasons reported through Listener.OnError.
const (
	MsgServerStart       = "Server cannot be started."
	MsgNoClients         = "No clients registered."
	MsgNoAddressInfo     = "At least one client does not respond to RequestConnectionData."
	MsgTooFewParties     = "Number of parties is below 2."
	MsgNotReady          = "At least one client is not ready for auction evaluation."
	MsgNotStarted        = "Auction evaluation is not started by all parties."
	MsgEvaluationAborted = "Auction evaluation aborted."
	MsgInterrupted       = "Session interrupted."
)

// State is a phase of the host state machine.
type State int32

const (
	Idle State = iota
	Registration
	AddressCollection
	ConfigDistribution
	ComputationRun
	Closure
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Registration:
		return "Registration"
	case AddressCollection:
		return "AddressCollection"
	case ConfigDistribution:
		return "ConfigDistribution"
	case ComputationRun:
		return "ComputationRun"
	case Closure:
		return "Closure"
	case Aborted:
		return "Aborted"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Listener is notified exactly once per session.
type Listener interface {
	// OnCompleted reports the evaluation result and the member id of the
	// winner, or -1 if the host won or the kind has no winner.
	OnCompleted(result engine.Result, winningMemberID int)
	// OnError reports the reason the session was aborted.
	OnError(message string)
}

// Option customizes a Host.
type Option func(*Host)

// WithRand sets the randomness used to shuffle party id assignment.
func WithRand(r *rand.Rand) Option {
	return func(h *Host) { h.rand = r }
}

// WithLogger sets the logger. The session id is added to every record.
func WithLogger(log *slog.Logger) Option {
	return func(h *Host) { h.log = log }
}

// WithStartTimeout overrides EvaluationStartTimeout.
func WithStartTimeout(d time.Duration) Option {
	return func(h *Host) { h.startTimeout = d }
}

// Status is a point-in-time view of a session.
type Status struct {
	SessionID      int            `json:"session_id"`
	State          string         `json:"state"`
	Members        int            `json:"members"`
	Parties        []string       `json:"parties,omitempty"`
	Result         *engine.Result `json:"result,omitempty"`
	WinnerMemberID *int           `json:"winner_member_id,omitempty"`
	Error          string         `json:"error,omitempty"`
}

type event struct {
	conn connID
	// msg is nil when the connection was closed.
	msg protocol.Message
}

// Host coordinates one auction session.
type Host struct {
	config       *protocol.HostConfig
	evaluator    engine.Evaluator
	listener     Listener
	log          *slog.Logger
	rand         *rand.Rand
	startTimeout time.Duration

	state atomic.Int32

	events   chan event
	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup

	addressesCollected *protocol.Gate
	membersReady       *protocol.Gate
	allStarted         *protocol.Gate

	mu         sync.Mutex
	ln         net.Listener
	closed     bool
	nextConnID connID
	conns      map[connID]*protocol.Conn
	members    memberTable
	startOrder []connID
	table      protocol.AddressTable
	result     *engine.Result
	winnerID   int
	abortMsg   string
}

// New creates a host for the given session. The configuration must have been
// validated.
func New(config *protocol.HostConfig, evaluator engine.Evaluator, listener Listener, opts ...Option) *Host {
	h := &Host{
		config:             config,
		evaluator:          evaluator,
		listener:           listener,
		log:                slog.Default(),
		rand:               rand.New(rand.NewSource(time.Now().UnixNano())),
		startTimeout:       EvaluationStartTimeout,
		events:             make(chan event, 64),
		quit:               make(chan struct{}),
		addressesCollected: protocol.NewGate(),
		membersReady:       protocol.NewGate(),
		allStarted:         protocol.NewGate(),
		conns:              make(map[connID]*protocol.Conn),
		members:            make(memberTable),
		winnerID:           -1,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With("session", config.SessionID)
	return h
}

// State returns the current phase.
func (h *Host) State() State {
	return State(h.state.Load())
}

// Addr returns the address the host accepts members on, or nil before Run
// has bound it.
func (h *Host) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ln == nil {
		return nil
	}
	return h.ln.Addr()
}

// Status returns a snapshot of the session.
func (h *Host) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := Status{
		SessionID: h.config.SessionID,
		State:     h.State().String(),
		Members:   len(h.members),
		Parties:   h.table.Format(),
		Error:     h.abortMsg,
	}
	if h.result != nil {
		res := *h.result
		winner := h.winnerID
		st.Result = &res
		st.WinnerMemberID = &winner
	}
	return st
}

// Run executes the session and returns once it reached Closure or was
// aborted. The only error returned is a failure to bind the protocol
// listener, which is also reported to the listener. Cancelling ctx aborts the
// session.
func (h *Host) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", h.config.Address.String())
	if err != nil {
		h.log.Error("could not bind protocol listener", "addr", h.config.Address.String(), "err", err)
		h.abort(MsgServerStart)
		return fmt.Errorf("listen on %s: %w", h.config.Address.String(), err)
	}

	h.mu.Lock()
	h.ln = ln
	h.mu.Unlock()

	h.wg.Add(2)
	go h.acceptLoop(ln)
	go h.dispatch()

	h.runPhases(ctx)
	return nil
}

func (h *Host) runPhases(ctx context.Context) {
	next := Registration
	for {
		h.enter(next)

		var reason string
		switch next {
		case Registration:
			next, reason = h.registration(ctx)
		case AddressCollection:
			next, reason = h.addressCollection(ctx)
		case ConfigDistribution:
			next, reason = h.configDistribution(ctx)
		case ComputationRun:
			next, reason = h.computationRun(ctx)
		case Closure:
			h.closure(ctx)
			return
		}

		if reason != "" {
			h.abort(reason)
			return
		}
	}
}

// enter switches the state with the member table locked, so the dispatcher
// never applies a message against a half-entered phase.
func (h *Host) enter(s State) {
	h.mu.Lock()
	prev := h.State()
	h.state.Store(int32(s))
	h.mu.Unlock()

	if prev != Idle {
		h.log.Info("leaving state", "state", prev.String())
	}
	h.log.Info("entering state", "state", s.String())
}

func (h *Host) registration(ctx context.Context) (State, string) {
	select {
	case <-time.After(h.config.RegistrationDuration):
	case <-ctx.Done():
		return Aborted, MsgInterrupted
	}

	h.mu.Lock()
	registered := len(h.members)
	h.mu.Unlock()

	if registered == 0 {
		return Aborted, MsgNoClients
	}
	h.log.Info("registration closed", "members", registered)
	return AddressCollection, ""
}

func (h *Host) addressCollection(ctx context.Context) (State, string) {
	h.broadcast(protocol.RequestAddressInfo{})

	if !h.addressesCollected.Wait(ctx, h.config.SetupDuration) {
		if ctx.Err() != nil {
			return Aborted, MsgInterrupted
		}
		return Aborted, MsgNoAddressInfo
	}
	return ConfigDistribution, ""
}

func (h *Host) configDistribution(ctx context.Context) (State, string) {
	table, configs := h.assignParties()
	if table.Len() < 2 {
		return Aborted, MsgTooFewParties
	}

	for conn, cfg := range configs {
		if err := conn.Send(cfg); err != nil {
			h.log.Warn("could not send session config", "party", cfg.PartyID, "err", err)
		}
	}

	if !h.membersReady.Wait(ctx, h.config.SetupFinishDuration) {
		if ctx.Err() != nil {
			return Aborted, MsgInterrupted
		}
		return Aborted, MsgNotReady
	}
	return ComputationRun, ""
}

// assignParties gives the host party id 1 and the registered members ids
// 2..N in a random order, resolving each member's address from its live
// connection. Members whose connection is gone are left without a party id.
func (h *Host) assignParties() (protocol.AddressTable, map[*protocol.Conn]protocol.SessionConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := []protocol.PartyAddress{{
		PartyID: protocol.HostPartyID,
		IP:      h.config.EngineAddress.IP,
		Port:    h.config.EngineAddress.Port,
	}}

	ids := h.members.sortedConns()
	h.rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	nextPartyID := protocol.HostPartyID + 1
	for _, id := range ids {
		conn, live := h.conns[id]
		if !live {
			continue
		}
		ip := conn.RemoteIP()
		if ip == "" {
			continue
		}
		m := h.members[id]
		m.partyID = nextPartyID
		entries = append(entries, protocol.PartyAddress{PartyID: nextPartyID, IP: ip, Port: m.evalPort})
		nextPartyID++
	}

	// Party ids are unique and positive by construction.
	table, _ := protocol.NewAddressTable(entries...)
	h.table = table

	addresses := table.Format()
	configs := make(map[*protocol.Conn]protocol.SessionConfig, len(ids))
	for _, id := range ids {
		m := h.members[id]
		conn, live := h.conns[id]
		if !live || m.partyID == protocol.UnsetPartyID {
			continue
		}
		configs[conn] = protocol.SessionConfig{
			PartyID:       m.partyID,
			Kind:          h.config.Kind,
			Suite:         h.config.Suite,
			Preprocessing: h.config.Preprocessing,
			Addresses:     addresses,
		}
	}
	return table, configs
}

func (h *Host) computationRun(ctx context.Context) (State, string) {
	h.mu.Lock()
	h.startOrder = h.members.startOrder()
	var head *protocol.Conn
	if len(h.startOrder) > 0 {
		head = h.conns[h.startOrder[0]]
	}
	table := h.table
	h.mu.Unlock()

	if head != nil {
		if err := head.Send(protocol.RequestComputationStart{}); err != nil {
			h.log.Warn("could not request computation start", "err", err)
		}
	}

	if !h.allStarted.Wait(ctx, h.startTimeout) {
		if ctx.Err() != nil {
			return Aborted, MsgInterrupted
		}
		return Aborted, MsgNotStarted
	}
	h.log.Info("all members started the evaluation")

	result, err := h.evaluator.Evaluate(ctx, &engine.Input{
		Kind:          h.config.Kind,
		Bid:           h.config.StartingPrice,
		Suite:         h.config.Suite,
		Preprocessing: h.config.Preprocessing,
		PartyID:       protocol.HostPartyID,
		Parties:       table,
	})
	if err != nil || result == nil {
		h.log.Error("evaluation failed", "err", err)
		return Aborted, MsgEvaluationAborted
	}

	h.mu.Lock()
	winner := h.members.memberIDForParty(result.WinnerPartyID)
	h.result = result
	h.winnerID = winner
	h.mu.Unlock()

	h.log.Info("auction completed", "winner_party", result.WinnerPartyID, "winner_member", winner, "price", result.FinalPrice)
	h.listener.OnCompleted(*result, winner)
	return Closure, ""
}

func (h *Host) closure(ctx context.Context) {
	select {
	case <-time.After(h.config.ClosureDuration):
	case <-ctx.Done():
	}
	h.shutdown()
}

func (h *Host) abort(reason string) {
	h.mu.Lock()
	h.state.Store(int32(Aborted))
	h.abortMsg = reason
	h.mu.Unlock()

	h.log.Error("session aborted", "reason", reason)
	h.listener.OnError(reason)
	h.shutdown()
}

// shutdown stops accepting members, closes every connection and waits for the
// listener goroutines to exit.
func (h *Host) shutdown() {
	h.log.Info("shutting down")

	h.mu.Lock()
	h.closed = true
	if h.ln != nil {
		h.ln.Close()
	}
	for _, conn := range h.conns {
		conn.Close()
	}
	h.mu.Unlock()

	h.quitOnce.Do(func() { close(h.quit) })
	h.wg.Wait()
}

// broadcast sends msg to every registered member.
func (h *Host) broadcast(msg protocol.Message) {
	h.mu.Lock()
	targets := make([]*protocol.Conn, 0, len(h.members))
	for id := range h.members {
		if conn, ok := h.conns[id]; ok {
			targets = append(targets, conn)
		}
	}
	h.mu.Unlock()

	for _, conn := range targets {
		if err := conn.Send(msg); err != nil {
			h.log.Warn("could not send message", "type", msg.Type(), "err", err)
		}
	}
}
