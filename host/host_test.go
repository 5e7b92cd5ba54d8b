package host

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/flashbots/auctionsession/engine"
	"github.com/flashbots/auctionsession/protocol"
	"github.com/flashbots/auctionsession/testutil"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

func testHostConfig(t *testing.T) *protocol.HostConfig {
	t.Helper()
	return &protocol.HostConfig{
		SessionID:            7,
		StartingPrice:        10,
		Kind:                 protocol.SecondPrice,
		RegistrationDuration: 200 * time.Millisecond,
		SetupDuration:        500 * time.Millisecond,
		SetupFinishDuration:  500 * time.Millisecond,
		ClosureDuration:      50 * time.Millisecond,
		Address:              testutil.Loopback(0),
		EngineAddress:        testutil.Loopback(testutil.FreePort(t)),
		Suite:                protocol.SuiteDummy,
		Preprocessing:        protocol.PreprocessingDummy,
	}
}

// startHost runs the host in the background and returns it once it accepts
// connections. The returned channel yields the result of Run.
func startHost(t *testing.T, ctx context.Context, cfg *protocol.HostConfig, eval engine.Evaluator, rec Listener, opts ...Option) (*Host, <-chan error) {
	t.Helper()
	opts = append([]Option{WithRand(rand.New(rand.NewSource(1)))}, opts...)
	h := New(cfg, eval, rec, opts...)

	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	require.Eventually(t, func() bool { return h.Addr() != nil }, waitTimeout, 5*time.Millisecond)
	return h, done
}

// fakeMember speaks the member side of the protocol from a test.
type fakeMember struct {
	t    *testing.T
	conn *protocol.Conn
}

func dialHost(t *testing.T, h *Host) *fakeMember {
	t.Helper()
	conn, err := protocol.Dial(context.Background(), protocol.Address{
		IP:   "127.0.0.1",
		Port: h.Addr().(*net.TCPAddr).Port,
	}, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &fakeMember{t: t, conn: conn}
}

func (f *fakeMember) send(msg protocol.Message) {
	f.t.Helper()
	require.NoError(f.t, f.conn.Send(msg))
}

func (f *fakeMember) expect(want protocol.MessageType) protocol.Message {
	f.t.Helper()
	msg, err := f.conn.Receive()
	require.NoError(f.t, err)
	require.Equal(f.t, want, msg.Type())
	return msg
}

// expectClosed asserts that the next read fails because the host closed the
// connection, not because another message arrived first.
func (f *fakeMember) expectClosed() {
	f.t.Helper()
	msg, err := f.conn.Receive()
	require.Error(f.t, err, "received %v before the connection closed", msg)
}

type received struct {
	msg protocol.Message
	err error
}

// receiveAsync reads the next message on its own goroutine. The member must
// not be read from elsewhere until the result was taken.
func (f *fakeMember) receiveAsync() <-chan received {
	ch := make(chan received, 1)
	go func() {
		msg, err := f.conn.Receive()
		ch <- received{msg, err}
	}()
	return ch
}

// sendAddress answers the address request.
func (f *fakeMember) sendAddress(evalPort int) {
	f.t.Helper()
	f.expect(protocol.RequestAddressInfoType)
	f.send(protocol.AddressInfo{EvalPort: evalPort})
}

// confirm waits for the session config and reports ready.
func (f *fakeMember) confirm() protocol.SessionConfig {
	f.t.Helper()
	cfg := f.expect(protocol.SessionConfigType).(protocol.SessionConfig)
	f.send(protocol.ReadyForComputation{})
	return cfg
}

// setup runs a member through address exchange and returns its session config.
func (f *fakeMember) setup(evalPort int) protocol.SessionConfig {
	f.t.Helper()
	f.sendAddress(evalPort)
	return f.confirm()
}

// joinTwo registers two members and runs them up to ComputationRun. The
// member holding the higher party id is returned first.
func joinTwo(t *testing.T, h *Host) (first, second *fakeMember, cfgFirst, cfgSecond protocol.SessionConfig) {
	t.Helper()
	a := dialHost(t, h)
	b := dialHost(t, h)
	a.send(protocol.Join{MemberID: 100})
	b.send(protocol.Join{MemberID: 200})

	a.sendAddress(5001)
	b.sendAddress(5002)
	cfgA := a.confirm()
	cfgB := b.confirm()

	if cfgA.PartyID > cfgB.PartyID {
		return a, b, cfgA, cfgB
	}
	return b, a, cfgB, cfgA
}

func TestHostCompletesSession(t *testing.T) {
	cfg := testHostConfig(t)
	eval := &testutil.StaticEvaluator{Result: &engine.Result{WinnerPartyID: 3, FinalPrice: 42}}
	rec := testutil.NewHostRecorder()

	h, done := startHost(t, context.Background(), cfg, eval, rec)

	a := dialHost(t, h)
	b := dialHost(t, h)
	a.send(protocol.Join{MemberID: 100})
	b.send(protocol.Join{MemberID: 200})

	a.sendAddress(5001)
	b.sendAddress(5002)
	gotA := a.confirm()
	cfgB := b.confirm()

	require.ElementsMatch(t, []int{2, 3}, []int{gotA.PartyID, cfgB.PartyID})
	require.Equal(t, gotA.Addresses, cfgB.Addresses)
	require.Len(t, gotA.Addresses, 3)
	require.Equal(t, protocol.SecondPrice, gotA.Kind)

	table, err := protocol.ParseAddressTable(gotA.Addresses)
	require.NoError(t, err)
	hostEntry, ok := table.Lookup(protocol.HostPartyID)
	require.True(t, ok)
	require.Equal(t, cfg.EngineAddress.Port, hostEntry.Port)

	// Highest party id is asked to start first.
	first, second := a, b
	if cfgB.PartyID > gotA.PartyID {
		first, second = b, a
	}
	first.expect(protocol.RequestComputationStartType)
	first.send(protocol.ComputationStarted{})
	second.expect(protocol.RequestComputationStartType)
	second.send(protocol.ComputationStarted{})

	outcome := rec.Await(t, waitTimeout)
	require.Empty(t, outcome.Err)
	require.Equal(t, 42, outcome.Result.FinalPrice)

	winner := 100
	if cfgB.PartyID == 3 {
		winner = 200
	}
	require.Equal(t, winner, outcome.WinnerID)

	inputs := eval.Inputs()
	require.Len(t, inputs, 1)
	require.Equal(t, protocol.HostPartyID, inputs[0].PartyID)
	require.Equal(t, cfg.StartingPrice, inputs[0].Bid)
	require.Equal(t, 3, inputs[0].Parties.Len())

	require.NoError(t, <-done)
	require.Equal(t, Closure, h.State())

	st := h.Status()
	require.Equal(t, "Closure", st.State)
	require.NotNil(t, st.WinnerMemberID)
	require.Equal(t, winner, *st.WinnerMemberID)

	a.expectClosed()
	b.expectClosed()
}

func TestHostReportsHostWinAsNoMember(t *testing.T) {
	cfg := testHostConfig(t)
	eval := &testutil.StaticEvaluator{Result: &engine.Result{WinnerPartyID: protocol.HostPartyID, FinalPrice: 10}}
	rec := testutil.NewHostRecorder()

	h, done := startHost(t, context.Background(), cfg, eval, rec)

	a := dialHost(t, h)
	a.send(protocol.Join{MemberID: 1})
	got := a.setup(5001)
	require.Equal(t, 2, got.PartyID)

	a.expect(protocol.RequestComputationStartType)
	a.send(protocol.ComputationStarted{})

	outcome := rec.Await(t, waitTimeout)
	require.Empty(t, outcome.Err)
	require.Equal(t, -1, outcome.WinnerID)
	require.NoError(t, <-done)
}

func TestHostAbortsWithoutMembers(t *testing.T) {
	cfg := testHostConfig(t)
	rec := testutil.NewHostRecorder()

	h, done := startHost(t, context.Background(), cfg, &testutil.StaticEvaluator{}, rec)

	outcome := rec.Await(t, waitTimeout)
	require.Equal(t, MsgNoClients, outcome.Err)
	require.NoError(t, <-done)
	require.Equal(t, Aborted, h.State())
	require.Equal(t, MsgNoClients, h.Status().Error)
}

func TestHostForgetsMemberLeavingDuringRegistration(t *testing.T) {
	cfg := testHostConfig(t)
	rec := testutil.NewHostRecorder()

	h, done := startHost(t, context.Background(), cfg, &testutil.StaticEvaluator{}, rec)

	a := dialHost(t, h)
	a.send(protocol.Join{MemberID: 1})
	require.Eventually(t, func() bool { return h.Status().Members == 1 }, waitTimeout, 5*time.Millisecond)
	a.conn.Close()

	outcome := rec.Await(t, waitTimeout)
	require.Equal(t, MsgNoClients, outcome.Err)
	require.NoError(t, <-done)
}

func TestHostRejectsDuplicateMemberID(t *testing.T) {
	cfg := testHostConfig(t)
	cfg.RegistrationDuration = time.Second
	rec := testutil.NewHostRecorder()

	h, done := startHost(t, context.Background(), cfg, &testutil.StaticEvaluator{}, rec)

	a := dialHost(t, h)
	a.send(protocol.Join{MemberID: 1})
	require.Eventually(t, func() bool { return h.Status().Members == 1 }, waitTimeout, 5*time.Millisecond)

	b := dialHost(t, h)
	b.send(protocol.Join{MemberID: 1})
	b.expectClosed()
	require.Equal(t, 1, h.Status().Members)

	a.conn.Close()
	rec.Await(t, waitTimeout)
	<-done
}

func TestHostAbortsWhenMemberDoesNotSendAddress(t *testing.T) {
	cfg := testHostConfig(t)
	rec := testutil.NewHostRecorder()

	h, done := startHost(t, context.Background(), cfg, &testutil.StaticEvaluator{}, rec)

	a := dialHost(t, h)
	b := dialHost(t, h)
	a.send(protocol.Join{MemberID: 1})
	b.send(protocol.Join{MemberID: 2})

	a.expect(protocol.RequestAddressInfoType)
	a.send(protocol.AddressInfo{EvalPort: 5001})
	b.expect(protocol.RequestAddressInfoType)

	outcome := rec.Await(t, waitTimeout)
	require.Equal(t, MsgNoAddressInfo, outcome.Err)
	require.NoError(t, <-done)

	// Neither member hears anything after the abort.
	a.expectClosed()
	b.expectClosed()
}

func TestHostAbortsWhenMemberNotReady(t *testing.T) {
	cfg := testHostConfig(t)
	rec := testutil.NewHostRecorder()

	h, done := startHost(t, context.Background(), cfg, &testutil.StaticEvaluator{}, rec)

	a := dialHost(t, h)
	a.send(protocol.Join{MemberID: 1})
	a.expect(protocol.RequestAddressInfoType)
	a.send(protocol.AddressInfo{EvalPort: 5001})
	a.expect(protocol.SessionConfigType)

	outcome := rec.Await(t, waitTimeout)
	require.Equal(t, MsgNotReady, outcome.Err)
	require.NoError(t, <-done)
}

func TestHostAbortsWhenStartNotAcknowledged(t *testing.T) {
	cfg := testHostConfig(t)
	rec := testutil.NewHostRecorder()

	h, done := startHost(t, context.Background(), cfg, &testutil.StaticEvaluator{}, rec, WithStartTimeout(200*time.Millisecond))

	a := dialHost(t, h)
	a.send(protocol.Join{MemberID: 1})
	a.setup(5001)
	a.expect(protocol.RequestComputationStartType)

	outcome := rec.Await(t, waitTimeout)
	require.Equal(t, MsgNotStarted, outcome.Err)
	require.NoError(t, <-done)
}

func TestHostAbortsWhenEvaluationFails(t *testing.T) {
	cfg := testHostConfig(t)
	rec := testutil.NewHostRecorder()
	eval := &testutil.StaticEvaluator{Err: errors.New("peer vanished")}

	h, done := startHost(t, context.Background(), cfg, eval, rec)

	a := dialHost(t, h)
	a.send(protocol.Join{MemberID: 1})
	a.setup(5001)
	a.expect(protocol.RequestComputationStartType)
	a.send(protocol.ComputationStarted{})

	outcome := rec.Await(t, waitTimeout)
	require.Equal(t, MsgEvaluationAborted, outcome.Err)
	require.NoError(t, <-done)
}

func TestHostIgnoresOutOfPhaseMessages(t *testing.T) {
	cfg := testHostConfig(t)
	cfg.RegistrationDuration = time.Second
	rec := testutil.NewHostRecorder()

	h, done := startHost(t, context.Background(), cfg, &testutil.StaticEvaluator{}, rec)

	a := dialHost(t, h)
	a.send(protocol.AddressInfo{EvalPort: 5001})
	a.send(protocol.ComputationStarted{})
	a.send(protocol.Join{MemberID: 1})
	require.Eventually(t, func() bool { return h.Status().Members == 1 }, waitTimeout, 5*time.Millisecond)
	require.Equal(t, Registration, h.State())

	a.conn.Close()
	rec.Await(t, waitTimeout)
	<-done
}

func TestHostKeepsFirstAddressInfo(t *testing.T) {
	cfg := testHostConfig(t)
	eval := &testutil.StaticEvaluator{Result: &engine.Result{WinnerPartyID: 2, FinalPrice: 10}}
	rec := testutil.NewHostRecorder()

	h, done := startHost(t, context.Background(), cfg, eval, rec)

	a := dialHost(t, h)
	b := dialHost(t, h)
	a.send(protocol.Join{MemberID: 1})
	b.send(protocol.Join{MemberID: 2})

	a.expect(protocol.RequestAddressInfoType)
	b.expect(protocol.RequestAddressInfoType)
	a.send(protocol.AddressInfo{EvalPort: 5001})
	a.send(protocol.AddressInfo{EvalPort: 9999})
	b.send(protocol.AddressInfo{EvalPort: 5002})

	cfgA := a.expect(protocol.SessionConfigType).(protocol.SessionConfig)
	cfgB := b.expect(protocol.SessionConfigType).(protocol.SessionConfig)

	// Repeats after the barrier opened change nothing.
	a.send(protocol.ReadyForComputation{})
	a.send(protocol.ReadyForComputation{})
	a.send(protocol.AddressInfo{EvalPort: 7777})
	b.send(protocol.ReadyForComputation{})

	table, err := protocol.ParseAddressTable(cfgA.Addresses)
	require.NoError(t, err)
	entryA, ok := table.Lookup(cfgA.PartyID)
	require.True(t, ok)
	require.Equal(t, 5001, entryA.Port)
	entryB, ok := table.Lookup(cfgB.PartyID)
	require.True(t, ok)
	require.Equal(t, 5002, entryB.Port)

	first, second := a, b
	if cfgB.PartyID > cfgA.PartyID {
		first, second = b, a
	}
	first.expect(protocol.RequestComputationStartType)
	first.send(protocol.ComputationStarted{})
	second.expect(protocol.RequestComputationStartType)
	second.send(protocol.ComputationStarted{})

	outcome := rec.Await(t, waitTimeout)
	require.Empty(t, outcome.Err)
	require.NoError(t, <-done)
	require.Equal(t, cfgA.Addresses, h.Status().Parties)
	require.Equal(t, cfgA.Addresses, eval.Inputs()[0].Parties.Format())
}

func TestHostRequestsStartOneAtATime(t *testing.T) {
	cfg := testHostConfig(t)
	eval := &testutil.StaticEvaluator{Result: &engine.Result{WinnerPartyID: 3, FinalPrice: 10}}
	rec := testutil.NewHostRecorder()

	h, done := startHost(t, context.Background(), cfg, eval, rec)
	first, second, cfgFirst, cfgSecond := joinTwo(t, h)
	require.Equal(t, 3, cfgFirst.PartyID)
	require.Equal(t, 2, cfgSecond.PartyID)

	first.expect(protocol.RequestComputationStartType)
	next := second.receiveAsync()
	select {
	case r := <-next:
		require.FailNow(t, "second member addressed before the head acknowledged", "got %v, %v", r.msg, r.err)
	case <-time.After(300 * time.Millisecond):
	}

	first.send(protocol.ComputationStarted{})
	select {
	case r := <-next:
		require.NoError(t, r.err)
		require.Equal(t, protocol.RequestComputationStartType, r.msg.Type())
	case <-time.After(waitTimeout):
		require.FailNow(t, "second member never asked to start")
	}
	second.send(protocol.ComputationStarted{})

	outcome := rec.Await(t, waitTimeout)
	require.Empty(t, outcome.Err)
	require.NoError(t, <-done)
}

func TestHostIgnoresStartFromNonHead(t *testing.T) {
	cfg := testHostConfig(t)
	eval := &testutil.StaticEvaluator{Result: &engine.Result{WinnerPartyID: 3, FinalPrice: 10}}
	rec := testutil.NewHostRecorder()

	h, done := startHost(t, context.Background(), cfg, eval, rec)
	first, second, _, _ := joinTwo(t, h)

	first.expect(protocol.RequestComputationStartType)
	second.send(protocol.ComputationStarted{})
	// Give the dispatcher time to see the early acknowledgement first.
	time.Sleep(200 * time.Millisecond)
	first.send(protocol.ComputationStarted{})
	second.expect(protocol.RequestComputationStartType)

	// The early acknowledgement did not count, so the evaluation waits for a
	// second one.
	require.Never(t, func() bool { return len(eval.Inputs()) > 0 }, 300*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, ComputationRun, h.State())

	second.send(protocol.ComputationStarted{})
	outcome := rec.Await(t, waitTimeout)
	require.Empty(t, outcome.Err)
	require.NoError(t, <-done)
	require.Len(t, eval.Inputs(), 1)
}

func TestHostClosesConnectionOnMalformedFrame(t *testing.T) {
	cfg := testHostConfig(t)
	cfg.RegistrationDuration = time.Second
	rec := testutil.NewHostRecorder()

	h, done := startHost(t, context.Background(), cfg, &testutil.StaticEvaluator{}, rec)

	raw, err := net.Dial("tcp", h.Addr().String())
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Write([]byte("not json\n"))
	require.NoError(t, err)

	require.NoError(t, raw.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, err = raw.Read(make([]byte, 1))
	require.Error(t, err)
	var netErr net.Error
	require.False(t, errors.As(err, &netErr) && netErr.Timeout(), "connection left open: %v", err)

	outcome := rec.Await(t, waitTimeout)
	require.Equal(t, MsgNoClients, outcome.Err)
	require.NoError(t, <-done)
}

func TestHostBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testHostConfig(t)
	cfg.Address = testutil.Loopback(ln.Addr().(*net.TCPAddr).Port)
	rec := testutil.NewHostRecorder()

	h := New(cfg, &testutil.StaticEvaluator{}, rec)
	require.Error(t, h.Run(context.Background()))

	outcome := rec.Await(t, waitTimeout)
	require.Equal(t, MsgServerStart, outcome.Err)
	require.Equal(t, Aborted, h.State())
}

func TestHostInterruptedByContext(t *testing.T) {
	cfg := testHostConfig(t)
	cfg.RegistrationDuration = time.Minute
	rec := testutil.NewHostRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	_, done := startHost(t, ctx, cfg, &testutil.StaticEvaluator{}, rec)
	cancel()

	outcome := rec.Await(t, waitTimeout)
	require.Equal(t, MsgInterrupted, outcome.Err)
	require.NoError(t, <-done)
}

func TestStartOrderSkipsUnassignedMembers(t *testing.T) {
	members := memberTable{
		0: {memberID: 10, partyID: 2},
		1: {memberID: 11, partyID: protocol.UnsetPartyID},
		2: {memberID: 12, partyID: 4},
		3: {memberID: 13, partyID: 3},
	}
	require.Equal(t, []connID{2, 3, 0}, members.startOrder())
	require.Equal(t, 12, members.memberIDForParty(4))
	require.Equal(t, -1, members.memberIDForParty(protocol.HostPartyID))
	require.Equal(t, -1, members.memberIDForParty(engine.NoWinner))
}
