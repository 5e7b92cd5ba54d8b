package member

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/flashbots/auctionsession/engine"
	"github.com/flashbots/auctionsession/protocol"
	"go.uber.org/atomic"
)

const (
	// ConnectTimeout bounds the initial connection to the host.
	ConnectTimeout = time.Second
	// GracePeriod is how long the engine gets to bind its port before the
	// host is told the computation started.
	GracePeriod = time.Second
)

// Abort reasons stored in the task error.
const (
	MsgConnectFailed     = "Connection could not be established."
	MsgLeft              = "Auction leaved."
	MsgNoAddressRequest  = "RequestConnectionData timeout."
	MsgNoConfig          = "AuctionConfiguration timeout."
	MsgNoStartRequest    = "RequestAuctionStart timeout."
	MsgEvaluationAborted = "Auction evaluation aborted."
	MsgInterrupted       = "Session interrupted."
)

// State is a phase of the member state machine.
type State int32

const (
	Connecting State = iota
	Registering
	AddressExchange
	ConfigExchange
	Computing
	Closing
	Aborted
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Registering:
		return "Registering"
	case AddressExchange:
		return "AddressExchange"
	case ConfigExchange:
		return "ConfigExchange"
	case Computing:
		return "Computing"
	case Closing:
		return "Closing"
	case Aborted:
		return "Aborted"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// acceptsCommands reports whether leave and bid changes are still honored.
func (s State) acceptsCommands() bool {
	return s == Connecting || s == Registering
}

// SessionListener is notified once when a member reaches Closing or Aborted.
type SessionListener interface {
	OnSessionEnded(task TaskState)
}

// Dialer opens the connection to the host. It must return once ctx is done.
type Dialer func(ctx context.Context, addr protocol.Address, timeout time.Duration) (*protocol.Conn, error)

type Option func(*Member)

func WithLogger(log *slog.Logger) Option {
	return func(m *Member) { m.log = log }
}

// WithGracePeriod overrides GracePeriod.
func WithGracePeriod(d time.Duration) Option {
	return func(m *Member) { m.grace = d }
}

// WithDialer replaces protocol.Dial for the host connection.
func WithDialer(d Dialer) Option {
	return func(m *Member) { m.dial = d }
}

// Member runs one session against one host.
type Member struct {
	config    *protocol.MemberConfig
	task      *Task
	store     TaskStore
	evaluator engine.Evaluator
	listener  SessionListener
	log       *slog.Logger
	grace     time.Duration
	dial      Dialer
	writer    *taskWriter

	persistMu sync.Mutex

	// mu orders external commands against state transitions.
	mu    sync.Mutex
	state atomic.Int32

	leaveRequested   atomic.Bool
	hostDisconnected atomic.Bool
	left             *protocol.Gate

	addressRequested *protocol.Gate
	configReceived   *protocol.Gate
	startRequested   *protocol.Gate

	conn          *protocol.Conn
	readerDone    chan struct{}
	sessionConfig protocol.SessionConfig
	table         protocol.AddressTable
}

// New creates a member for the session described by task. The task's eval
// port must be reserved for this member.
func New(config *protocol.MemberConfig, task *Task, store TaskStore, evaluator engine.Evaluator, listener SessionListener, opts ...Option) *Member {
	m := &Member{
		config:           config,
		task:             task,
		store:            store,
		evaluator:        evaluator,
		listener:         listener,
		log:              slog.Default(),
		grace:            GracePeriod,
		dial:             protocol.Dial,
		left:             protocol.NewGate(),
		addressRequested: protocol.NewGate(),
		configReceived:   protocol.NewGate(),
		startRequested:   protocol.NewGate(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("session", task.Snapshot().SessionID, "member", config.MemberID)
	if store != nil {
		m.writer = newTaskWriter(store, m.log)
	}
	return m
}

func (m *Member) State() State {
	return State(m.state.Load())
}

func (m *Member) Task() TaskState {
	return m.task.Snapshot()
}

// Leave withdraws from the session. It only has an effect before the address
// exchange started and reports whether it was honored.
func (m *Member) Leave() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.State().acceptsCommands() {
		m.log.Debug("ignoring leave", "state", m.State().String())
		return false
	}
	m.leaveRequested.Store(true)
	m.left.Open()
	return true
}

// ChangeBid replaces the bid. It only has an effect before the address
// exchange started and reports whether it was honored.
func (m *Member) ChangeBid(bid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.State().acceptsCommands() {
		m.log.Debug("ignoring bid change", "state", m.State().String())
		return false
	}
	m.updateTask(func(s *TaskState) { s.Bid = bid })
	m.log.Info("bid changed", "bid", bid)
	return true
}

// Run executes the session on the calling goroutine and returns once the
// member reached Closing or Aborted. Cancelling ctx aborts the session.
func (m *Member) Run(ctx context.Context) {
	next := Connecting
	for {
		if !m.enter(next) {
			m.abort(MsgLeft)
			return
		}

		var reason string
		switch next {
		case Connecting:
			next, reason = m.connect(ctx)
		case Registering:
			next, reason = m.register(ctx)
		case AddressExchange:
			next, reason = m.exchangeAddress(ctx)
		case ConfigExchange:
			next, reason = m.confirmConfig(ctx)
		case Computing:
			next, reason = m.compute(ctx)
		case Closing:
			m.finish(func(s *TaskState) { s.Phase = PhaseCompletion })
			return
		}

		if reason != "" {
			m.abort(reason)
			return
		}
	}
}

// enter switches to s. It refuses to move past Registering once a leave was
// accepted; Leave and enter both hold mu.
func (m *Member) enter(s State) bool {
	m.mu.Lock()
	prev := m.State()
	if prev.acceptsCommands() && !s.acceptsCommands() && s != Aborted && m.leaveRequested.Load() {
		m.mu.Unlock()
		return false
	}
	m.state.Store(int32(s))
	m.mu.Unlock()

	if prev != s {
		m.log.Info("leaving state", "state", prev.String())
	}
	m.log.Info("entering state", "state", s.String())
	return true
}

func (m *Member) connect(ctx context.Context) (State, string) {
	addr := m.task.Snapshot().HostAddress
	if m.config.Emulator {
		addr.IP = protocol.EmulatorHostIP
	}

	// A leave cancels the dial.
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.left.Done():
			cancel()
		case <-dialCtx.Done():
		}
	}()

	conn, err := m.dial(dialCtx, addr, ConnectTimeout)
	if err != nil {
		m.log.Warn("could not connect to host", "addr", addr.String(), "err", err)
		switch {
		case m.leaveRequested.Load():
			return Aborted, MsgLeft
		case ctx.Err() != nil:
			return Aborted, MsgInterrupted
		}
		return Aborted, MsgConnectFailed
	}
	m.conn = conn
	m.readerDone = make(chan struct{})
	go m.readLoop(conn)

	if m.leaveRequested.Load() {
		return Aborted, MsgLeft
	}
	return Registering, ""
}

func (m *Member) register(ctx context.Context) (State, string) {
	m.updateTask(func(s *TaskState) { s.Phase = PhaseRegistration })

	if err := m.conn.Send(protocol.Join{MemberID: m.config.MemberID}); err != nil {
		m.log.Warn("could not send join", "err", err)
	}

	return m.await(ctx, m.addressRequested, m.config.RegistrationDuration, AddressExchange, MsgNoAddressRequest)
}

func (m *Member) exchangeAddress(ctx context.Context) (State, string) {
	snapshot := m.updateTask(func(s *TaskState) { s.Phase = PhaseRunning })

	if err := m.conn.Send(protocol.AddressInfo{EvalPort: snapshot.EvalPort}); err != nil {
		m.log.Warn("could not send address info", "err", err)
	}

	next, reason := m.await(ctx, m.configReceived, m.config.SetupDuration, ConfigExchange, MsgNoConfig)
	if reason != "" {
		return next, reason
	}

	table, err := protocol.ParseAddressTable(m.sessionConfig.Addresses)
	if err != nil {
		m.log.Error("malformed session config", "err", err)
		return Aborted, MsgNoConfig
	}
	if m.config.Emulator {
		table = table.WithIP(protocol.EmulatorHostIP)
	}
	m.table = table
	m.log.Info("received session config", "party", m.sessionConfig.PartyID, "parties", table.Len())
	return next, ""
}

func (m *Member) confirmConfig(ctx context.Context) (State, string) {
	if err := m.conn.Send(protocol.ReadyForComputation{}); err != nil {
		m.log.Warn("could not send ready", "err", err)
	}
	return m.await(ctx, m.startRequested, m.config.SetupFinishDuration, Computing, MsgNoStartRequest)
}

func (m *Member) compute(ctx context.Context) (State, string) {
	in := &engine.Input{
		Kind:          m.sessionConfig.Kind,
		Bid:           m.task.Snapshot().Bid,
		Suite:         m.sessionConfig.Suite,
		Preprocessing: m.sessionConfig.Preprocessing,
		PartyID:       m.sessionConfig.PartyID,
		Parties:       m.table,
	}

	type outcome struct {
		result *engine.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := m.evaluator.Evaluate(ctx, in)
		done <- outcome{res, err}
	}()

	select {
	case <-time.After(m.grace):
	case <-ctx.Done():
	}
	if err := m.conn.Send(protocol.ComputationStarted{}); err != nil {
		m.log.Warn("could not send computation started", "err", err)
	}

	out := <-done
	if out.err != nil || out.result == nil {
		m.log.Error("evaluation failed", "err", out.err)
		if ctx.Err() != nil {
			return Aborted, MsgInterrupted
		}
		return Aborted, MsgEvaluationAborted
	}

	won := out.result.WinnerPartyID == in.PartyID
	m.task.update(func(s *TaskState) {
		s.FinalPrice = out.result.FinalPrice
		s.Won = won
	})
	m.log.Info("auction completed", "price", out.result.FinalPrice, "won", won)
	return Closing, ""
}

// await blocks on a gate and maps the way it ended to the next transition.
// Gates opened by a host disconnect abort with the phase's timeout message.
func (m *Member) await(ctx context.Context, gate *protocol.Gate, timeout time.Duration, next State, timeoutMsg string) (State, string) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-gate.Done():
	case <-m.left.Done():
	case <-timer.C:
	case <-ctx.Done():
		return Aborted, MsgInterrupted
	}

	switch {
	case m.leaveRequested.Load():
		return Aborted, MsgLeft
	case m.hostDisconnected.Load():
		m.log.Warn("host disconnected")
		return Aborted, timeoutMsg
	case !gate.IsOpen():
		return Aborted, timeoutMsg
	}
	return next, ""
}

func (m *Member) abort(reason string) {
	m.log.Error("session aborted", "reason", reason)
	m.enter(Aborted)
	m.finish(func(s *TaskState) {
		s.Phase = PhaseAbortion
		s.Error = reason
	})
}

// finish applies the terminal task update, tears down the connection and
// notifies the listener.
func (m *Member) finish(fn func(*TaskState)) {
	snapshot := m.updateTask(fn)
	if m.writer != nil {
		m.writer.close()
	}

	if m.conn != nil {
		m.conn.Close()
		<-m.readerDone
	}
	if m.listener != nil {
		m.listener.OnSessionEnded(snapshot)
	}
}

// updateTask applies fn and queues the resulting snapshot for persistence.
// persistMu keeps the queue in the order the updates were applied.
func (m *Member) updateTask(fn func(*TaskState)) TaskState {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	snapshot := m.task.update(fn)
	if m.writer != nil {
		m.writer.enqueue(snapshot)
	}
	return snapshot
}

// readLoop records host messages and opens the matching gates. Any read
// failure counts as a host disconnect and releases every pending wait.
func (m *Member) readLoop(conn *protocol.Conn) {
	defer close(m.readerDone)
	for {
		msg, err := conn.Receive()
		if errors.Is(err, protocol.ErrUnknownMessage) {
			m.log.Warn("dropping unknown message", "err", err)
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				m.log.Debug("connection read failed", "err", err)
			}
			m.hostDisconnected.Store(true)
			m.addressRequested.Open()
			m.configReceived.Open()
			m.startRequested.Open()
			return
		}

		switch msg := msg.(type) {
		case protocol.RequestAddressInfo:
			m.addressRequested.Open()
		case protocol.SessionConfig:
			if !m.configReceived.IsOpen() {
				m.sessionConfig = msg
				m.configReceived.Open()
			}
		case protocol.RequestComputationStart:
			m.startRequested.Open()
		default:
			m.log.Debug("ignoring message", "type", msg.Type())
		}
	}
}
