package member

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/flashbots/auctionsession/engine"
	"github.com/flashbots/auctionsession/protocol"
	"github.com/flashbots/auctionsession/testutil"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, cfg *protocol.MemberConfig, eval engine.Evaluator) (*Registry, *recordingStore) {
	t.Helper()
	store := &recordingStore{}
	r := NewRegistry(cfg, store, eval, slog.Default(), WithGracePeriod(10*time.Millisecond))
	t.Cleanup(r.Close)
	return r, store
}

func TestRegistryJoinReservesPort(t *testing.T) {
	cfg := testMemberConfig()
	cfg.EvalPorts = []int{6001, 6002}
	cfg.RegistrationDuration = time.Minute
	r, store := newTestRegistry(t, cfg, &testutil.StaticEvaluator{})

	hostA := newFakeHost(t)
	hostB := newFakeHost(t)

	require.True(t, r.Join(1, hostA.addr(), 10))
	require.False(t, r.Join(1, hostA.addr(), 10), "session already active")
	require.True(t, r.Available())

	require.True(t, r.Join(2, hostB.addr(), 20))
	require.False(t, r.Available())
	require.False(t, r.Join(3, hostB.addr(), 30), "port pool exhausted")
	require.Equal(t, []int{1, 2}, r.Active())

	taskA, ok := r.Task(1)
	require.True(t, ok)
	require.Equal(t, 6001, taskA.EvalPort)
	taskB, ok := r.Task(2)
	require.True(t, ok)
	require.Equal(t, 6002, taskB.EvalPort)

	store.mu.Lock()
	require.Len(t, store.saved, 2)
	store.mu.Unlock()

	hostA.accept()
	hostB.accept()
}

func TestRegistryReleasesPortWhenSessionEnds(t *testing.T) {
	cfg := testMemberConfig()
	cfg.RegistrationDuration = time.Minute
	r, _ := newTestRegistry(t, cfg, &testutil.StaticEvaluator{})

	host := newFakeHost(t)
	require.True(t, r.Join(4, host.addr(), 10))
	conn := host.accept()
	expect(t, conn, protocol.JoinType)
	require.False(t, r.Available())

	require.True(t, r.ChangeBid(4, 12))
	task, _ := r.Task(4)
	require.Equal(t, 12, task.Bid)

	require.True(t, r.Leave(4))
	require.Eventually(t, r.Available, waitTimeout, 5*time.Millisecond)
	require.Empty(t, r.Active())

	_, ok := r.Task(4)
	require.False(t, ok)
}

func TestRegistryUnknownSession(t *testing.T) {
	r, _ := newTestRegistry(t, testMemberConfig(), &testutil.StaticEvaluator{})
	require.False(t, r.Leave(99))
	require.False(t, r.ChangeBid(99, 5))
	require.Empty(t, r.Active())
	require.True(t, r.Available())
}

func TestRegistryCloseInterruptsMembers(t *testing.T) {
	cfg := testMemberConfig()
	cfg.RegistrationDuration = time.Minute
	store := &recordingStore{}
	r := NewRegistry(cfg, store, &testutil.StaticEvaluator{}, slog.Default())

	host := newFakeHost(t)
	require.True(t, r.Join(5, host.addr(), 10))
	conn := host.accept()
	expect(t, conn, protocol.JoinType)

	r.Close()
	require.Empty(t, r.Active())
	require.False(t, r.Join(6, host.addr(), 10))

	last, err := store.Get(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, PhaseAbortion, last.Phase)
	require.Equal(t, MsgInterrupted, last.Error)
}
