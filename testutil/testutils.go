package testutil

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/flashbots/auctionsession/engine"
	"github.com/flashbots/auctionsession/protocol"
	"github.com/stretchr/testify/require"
)

// FreePort returns a local TCP port that was free a moment ago.
func FreePort(t testing.TB) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// FreePorts returns n distinct free ports.
func FreePorts(t testing.TB, n int) []int {
	t.Helper()
	ports := make([]int, 0, n)
	listeners := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners = append(listeners, ln)
		ports = append(ports, ln.Addr().(*net.TCPAddr).Port)
	}
	for _, ln := range listeners {
		ln.Close()
	}
	return ports
}

// Loopback returns a local address on the given port.
func Loopback(port int) protocol.Address {
	return protocol.Address{IP: "127.0.0.1", Port: port}
}

// StaticEvaluator returns a fixed result (or error) after an optional delay and
// records every input it was called with.
type StaticEvaluator struct {
	Result *engine.Result
	Err    error
	Delay  time.Duration

	mu     sync.Mutex
	inputs []*engine.Input
}

// Evaluate implements engine.Evaluator.
func (s *StaticEvaluator) Evaluate(ctx context.Context, in *engine.Input) (*engine.Result, error) {
	s.mu.Lock()
	s.inputs = append(s.inputs, in)
	s.mu.Unlock()

	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Result == nil {
		return nil, errors.New("static evaluator has no result")
	}
	res := *s.Result
	return &res, nil
}

// Inputs returns the inputs seen so far.
func (s *StaticEvaluator) Inputs() []*engine.Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*engine.Input(nil), s.inputs...)
}

// HostOutcome is what a host listener reported.
type HostOutcome struct {
	Result   *engine.Result
	WinnerID int
	Err      string
}

// HostRecorder implements the host listener and delivers the single outcome
// of a session on a channel.
type HostRecorder struct {
	Outcomes chan HostOutcome
}

// NewHostRecorder creates a recorder with a buffered outcome channel.
func NewHostRecorder() *HostRecorder {
	return &HostRecorder{Outcomes: make(chan HostOutcome, 4)}
}

func (r *HostRecorder) OnCompleted(result engine.Result, winningMemberID int) {
	r.Outcomes <- HostOutcome{Result: &result, WinnerID: winningMemberID}
}

func (r *HostRecorder) OnError(message string) {
	r.Outcomes <- HostOutcome{Err: message}
}

// Await returns the next outcome or fails the test after timeout.
func (r *HostRecorder) Await(t testing.TB, timeout time.Duration) HostOutcome {
	t.Helper()
	select {
	case o := <-r.Outcomes:
		return o
	case <-time.After(timeout):
		require.FailNow(t, "no host outcome", "waited %s", timeout)
	}
	return HostOutcome{}
}
