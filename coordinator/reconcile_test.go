package main

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ensemble-fleet/ensemble/common"
	"github.com/ensemble-fleet/ensemble/internal/rpc"
)

// fakeAgent acks everything and reports whatever it last acked, like a
// well-behaved agent would. Tests flip the error fields to script
// failure scenarios.
type fakeAgent struct {
	mu      sync.Mutex
	applied []int64
	runOps  []*common.RunStateRequest
	polls   int

	applyTransportFails int   // fail this many applies with a transport error
	applyErr            error // permanent apply failure
	applyErrByAddr      map[string]error
	runErr              error
	healthErr           error
	logsErr             error
	health              *common.HealthSample
	onRunState          func()
}

func (f *fakeAgent) ApplyConfiguration(ctx context.Context, conn common.ConnectionMeta, gen *common.Generation) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.applyTransportFails > 0 {
		f.applyTransportFails--
		return errors.New("connection refused")
	}
	if f.applyErr != nil {
		return f.applyErr
	}
	if err := f.applyErrByAddr[conn.Address]; err != nil {
		return err
	}
	f.applied = append(f.applied, gen.ID)
	return nil
}

func (f *fakeAgent) SetRunState(ctx context.Context, conn common.ConnectionMeta, req *common.RunStateRequest) error {
	f.mu.Lock()
	hook := f.onRunState
	if f.runErr != nil {
		f.mu.Unlock()
		return f.runErr
	}
	f.runOps = append(f.runOps, req)
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeAgent) SampleHealth(ctx context.Context, conn common.ConnectionMeta) (*common.HealthSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.polls++
	if f.healthErr != nil {
		return nil, f.healthErr
	}
	if f.health != nil {
		return f.health, nil
	}

	sample := &common.HealthSample{Timestamp: time.Now().UTC(), RunState: common.RunStateStopped}
	if len(f.applied) > 0 {
		sample.Generation = f.applied[len(f.applied)-1]
	}
	if len(f.runOps) > 0 {
		sample.RunState = f.runOps[len(f.runOps)-1].Desired
	}
	return sample, nil
}

func (f *fakeAgent) Logs(ctx context.Context, conn common.ConnectionMeta, offset, tail string) (io.ReadCloser, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.logsErr != nil {
		return nil, "", f.logsErr
	}
	return io.NopCloser(strings.NewReader("fake logs")), "9", nil
}

func testReconcilerOptions() reconcilerOptions {
	return reconcilerOptions{
		Workers:        2,
		InitialBackoff: time.Millisecond * 10,
		MaxBackoff:     time.Millisecond * 40,
		MaxAttempts:    3,
		CallTimeout:    time.Second,
		Resync:         time.Minute,
	}
}

func newTestReconciler(t *testing.T) (*reconciler, *registry, *nodeQueue, *fakeAgent) {
	reg, q := newTestRegistry(t)
	fake := &fakeAgent{}
	rec := newReconciler(zap.NewNop(), reg, q, fake, nil, testReconcilerOptions())
	return rec, reg, q, fake
}

func drainOne(t *testing.T, q *nodeQueue) string {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	id, ok := q.Get(ctx)
	require.True(t, ok)
	return id
}

func TestReconcileHappyPath(t *testing.T) {
	rec, reg, q, fake := newTestReconciler(t)
	registerTestNode(t, reg, "node-a")

	_, attempt, err := reg.SetConfiguration("admin", "node-a", validConfigPayload())
	require.NoError(t, err)

	id := drainOne(t, q)
	rec.process(context.Background(), id)
	q.Done(id)

	node, err := reg.Get("node-a")
	require.NoError(t, err)
	assert.Equal(t, attempt.ID, node.Attempt.ID)
	assert.Equal(t, common.AttemptSucceeded, node.Attempt.State)
	assert.Equal(t, 1, node.Attempt.Attempts)

	assert.Equal(t, []int64{1}, fake.applied)
	require.Len(t, fake.runOps, 1)
	assert.Equal(t, common.RunStateStopped, fake.runOps[0].Desired)

	assert.Equal(t, int64(1), node.Observed.Generation)
	assert.Equal(t, common.RunStateStopped, node.Observed.RunState)
	assert.Zero(t, node.Observed.Failures)
	assert.False(t, node.Observed.LastReconciled.IsZero())
}

func TestReconcileRetriesTransportFailures(t *testing.T) {
	rec, reg, _, fake := newTestReconciler(t)
	registerTestNode(t, reg, "node-a")
	fake.applyTransportFails = 2

	_, _, err := reg.SetConfiguration("admin", "node-a", validConfigPayload())
	require.NoError(t, err)

	ctx := context.Background()

	rec.process(ctx, "node-a")
	node, err := reg.Get("node-a")
	require.NoError(t, err)
	assert.Equal(t, common.AttemptRetryScheduled, node.Attempt.State)
	assert.Equal(t, 1, node.Attempt.Attempts)
	assert.Contains(t, node.Attempt.Detail, "applying configuration")
	assert.Equal(t, 1, node.Observed.Failures)
	first := node.Attempt.NextRetry.Sub(node.Attempt.UpdatedAt)
	assert.Equal(t, time.Millisecond*10, first)

	rec.process(ctx, "node-a")
	node, err = reg.Get("node-a")
	require.NoError(t, err)
	assert.Equal(t, common.AttemptRetryScheduled, node.Attempt.State)
	assert.Equal(t, 2, node.Attempt.Attempts)
	second := node.Attempt.NextRetry.Sub(node.Attempt.UpdatedAt)
	assert.Equal(t, time.Millisecond*20, second)
	assert.GreaterOrEqual(t, second, first)

	rec.process(ctx, "node-a")
	node, err = reg.Get("node-a")
	require.NoError(t, err)
	assert.Equal(t, common.AttemptSucceeded, node.Attempt.State)
	assert.Equal(t, 3, node.Attempt.Attempts)
	assert.Zero(t, node.Observed.Failures)
}

func TestReconcileApplicationRejection(t *testing.T) {
	rec, reg, _, fake := newTestReconciler(t)
	registerTestNode(t, reg, "node-a")
	fake.applyErr = &rpc.ErrStatus{Code: 422, Body: `{"error":"unknown generation"}`}

	_, _, err := reg.SetConfiguration("admin", "node-a", validConfigPayload())
	require.NoError(t, err)

	rec.process(context.Background(), "node-a")

	// Fatal on the first try: no retries, desired state untouched
	node, err := reg.Get("node-a")
	require.NoError(t, err)
	assert.Equal(t, common.AttemptFailed, node.Attempt.State)
	assert.Equal(t, 1, node.Attempt.Attempts)
	assert.Contains(t, node.Attempt.Detail, "applying configuration")
	assert.Equal(t, int64(1), node.Desired.Generation)
	assert.Equal(t, 1, node.Observed.Failures)
}

func TestReconcileBulkFailureIsolation(t *testing.T) {
	rec, reg, q, fake := newTestReconciler(t)

	ids := []string{"node-1", "node-2", "node-3", "node-4", "node-5"}
	for _, id := range ids {
		registerTestNode(t, reg, id)
	}
	fake.applyErrByAddr = map[string]error{
		"node-3.example.com:8124": &rpc.ErrStatus{Code: 422, Body: `{"error":"unknown generation"}`},
	}

	for _, id := range ids {
		_, _, err := reg.SetConfiguration("admin", id, validConfigPayload())
		require.NoError(t, err)
	}

	for q.Len() > 0 {
		id := drainOne(t, q)
		rec.process(context.Background(), id)
		q.Done(id)
	}

	// One node's rejection leaves the other four converged
	for _, id := range ids {
		node, err := reg.Get(id)
		require.NoError(t, err)
		if id == "node-3" {
			assert.Equal(t, common.AttemptFailed, node.Attempt.State, id)
			assert.Zero(t, node.Observed.Generation, id)
			continue
		}
		assert.Equal(t, common.AttemptSucceeded, node.Attempt.State, id)
		assert.Equal(t, int64(1), node.Observed.Generation, id)
	}
}

func TestReconcileRetryBudget(t *testing.T) {
	rec, reg, _, fake := newTestReconciler(t)
	registerTestNode(t, reg, "node-a")
	fake.healthErr = errors.New("i/o timeout")

	_, _, err := reg.SetConfiguration("admin", "node-a", validConfigPayload())
	require.NoError(t, err)

	ctx := context.Background()
	rec.process(ctx, "node-a")
	rec.process(ctx, "node-a")
	rec.process(ctx, "node-a")

	node, err := reg.Get("node-a")
	require.NoError(t, err)
	assert.Equal(t, common.AttemptFailed, node.Attempt.State)
	assert.Equal(t, 3, node.Attempt.Attempts)
	assert.Contains(t, node.Attempt.Detail, "retry budget exhausted")
}

func TestReconcileUnconfirmedState(t *testing.T) {
	rec, reg, _, fake := newTestReconciler(t)
	registerTestNode(t, reg, "node-a")

	// The agent acks but keeps reporting the old generation
	fake.health = &common.HealthSample{Timestamp: time.Now().UTC(), RunState: common.RunStateStopped}

	_, _, err := reg.SetConfiguration("admin", "node-a", validConfigPayload())
	require.NoError(t, err)

	rec.process(context.Background(), "node-a")

	node, err := reg.Get("node-a")
	require.NoError(t, err)
	assert.Equal(t, common.AttemptRetryScheduled, node.Attempt.State)
	assert.Contains(t, node.Attempt.Detail, "agent reports generation")
}

func TestReconcileSupersededMidFlight(t *testing.T) {
	rec, reg, q, fake := newTestReconciler(t)
	registerTestNode(t, reg, "node-a")

	_, _, err := reg.SetConfiguration("admin", "node-a", validConfigPayload())
	require.NoError(t, err)

	var second *common.Attempt
	fake.onRunState = func() {
		if second != nil {
			return
		}
		var err error
		second, err = reg.SetRunState("admin", "node-a", common.RunStateStopped, false)
		require.NoError(t, err)
	}

	id := drainOne(t, q)
	rec.process(context.Background(), id)

	// The in-flight result was discarded; the superseding attempt is
	// still pending and was re-queued through the dirty set
	node, err := reg.Get("node-a")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, second.ID, node.Attempt.ID)
	assert.Equal(t, common.AttemptPending, node.Attempt.State)
	assert.Zero(t, node.Attempt.Attempts)

	q.Done(id)
	assert.Equal(t, 1, q.Len())

	fake.onRunState = nil
	id = drainOne(t, q)
	rec.process(context.Background(), id)
	q.Done(id)

	node, err = reg.Get("node-a")
	require.NoError(t, err)
	assert.Equal(t, second.ID, node.Attempt.ID)
	assert.Equal(t, common.AttemptSucceeded, node.Attempt.State)
}

func setTestAttempt(t *testing.T, reg *registry, id string, state common.AttemptState, nextRetry time.Time) {
	_, err := reg.mutateNode(id, func(node *common.Node) error {
		node.Attempt = &common.Attempt{
			ID:        uuid.NewString(),
			NodeID:    id,
			State:     state,
			Target:    node.Desired,
			NextRetry: nextRetry,
			UpdatedAt: time.Now().UTC(),
		}
		return nil
	})
	require.NoError(t, err)
}

func TestReconcileRecover(t *testing.T) {
	rec, reg, q, _ := newTestReconciler(t)

	for _, id := range []string{"node-p", "node-i", "node-r", "node-f", "node-s"} {
		registerTestNode(t, reg, id)
	}
	setTestAttempt(t, reg, "node-p", common.AttemptPending, time.Time{})
	setTestAttempt(t, reg, "node-i", common.AttemptInProgress, time.Time{})
	setTestAttempt(t, reg, "node-r", common.AttemptRetryScheduled, time.Now().Add(time.Millisecond*50))
	setTestAttempt(t, reg, "node-f", common.AttemptFailed, time.Time{})
	setTestAttempt(t, reg, "node-s", common.AttemptSucceeded, time.Time{})

	require.NoError(t, rec.recover())

	// Interrupted work is queued immediately, the scheduled retry waits
	// out its remaining delay, terminal attempts stay put
	assert.Equal(t, 2, q.Len())

	node, err := reg.Get("node-i")
	require.NoError(t, err)
	assert.Equal(t, common.AttemptPending, node.Attempt.State)

	assert.Eventually(t, func() bool { return q.Len() == 3 }, time.Second, time.Millisecond*10)

	ids := map[string]bool{}
	for i := 0; i < 3; i++ {
		ids[drainOne(t, q)] = true
	}
	assert.Equal(t, map[string]bool{"node-p": true, "node-i": true, "node-r": true}, ids)
}

func TestReconcileResync(t *testing.T) {
	rec, reg, q, _ := newTestReconciler(t)

	for _, id := range []string{"node-drifted", "node-settled", "node-failed"} {
		registerTestNode(t, reg, id)
		_, _, err := reg.SetConfiguration("admin", id, validConfigPayload())
		require.NoError(t, err)
	}
	drain := func() {
		for q.Len() > 0 {
			q.Done(drainOne(t, q))
		}
	}
	drain()

	complete := func(id string, state common.AttemptState, observed common.RunState, gen int64) {
		_, err := reg.mutateNode(id, func(node *common.Node) error {
			node.Attempt.State = state
			node.Observed.RunState = observed
			node.Observed.Generation = gen
			return nil
		})
		require.NoError(t, err)
	}
	complete("node-drifted", common.AttemptSucceeded, common.RunStateRunning, 1) // desired is stopped
	complete("node-settled", common.AttemptSucceeded, common.RunStateStopped, 1)
	complete("node-failed", common.AttemptFailed, common.RunStateRunning, 1)

	require.NoError(t, rec.resync())

	assert.Equal(t, 1, q.Len())
	assert.Equal(t, "node-drifted", drainOne(t, q))

	node, err := reg.Get("node-drifted")
	require.NoError(t, err)
	assert.Equal(t, common.AttemptPending, node.Attempt.State)

	// Failed attempts wait for an operator, not the resync loop
	node, err = reg.Get("node-failed")
	require.NoError(t, err)
	assert.Equal(t, common.AttemptFailed, node.Attempt.State)
}

func TestReconcileRun(t *testing.T) {
	rec, reg, _, _ := newTestReconciler(t)
	registerTestNode(t, reg, "node-a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	_, _, err := reg.SetConfiguration("admin", "node-a", validConfigPayload())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		node, err := reg.Get("node-a")
		return err == nil && node.Attempt != nil && node.Attempt.State == common.AttemptSucceeded
	}, time.Second*5, time.Millisecond*10)

	cancel()
	require.NoError(t, <-done)
}

func TestReconcileDesiredStateOwnership(t *testing.T) {
	rec, reg, _, fake := newTestReconciler(t)
	agg := newHealthAggregator(zap.NewNop(), reg, fake, nil, testHealthOptions())
	registerTestNode(t, reg, "node-a")

	_, _, err := reg.SetConfiguration("admin", "node-a", validConfigPayload())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	// Hammer run state changes while the engine and a poller race them.
	// Whatever those two write, desired state belongs to operators: it
	// must match the last accepted request exactly.
	var want common.DesiredState
	for i := 0; i < 50; i++ {
		desired := common.RunStateRunning
		if i%2 == 1 {
			desired = common.RunStateStopped
		}
		attempt, err := reg.SetRunState("admin", "node-a", desired, false)
		require.NoError(t, err)
		want = attempt.Target

		agg.pollOnce(ctx, "node-a")
	}

	node, err := reg.Get("node-a")
	require.NoError(t, err)
	assert.Equal(t, want, node.Desired)

	assert.Eventually(t, func() bool {
		node, err := reg.Get("node-a")
		return err == nil && node.Attempt.State == common.AttemptSucceeded
	}, time.Second*5, time.Millisecond*10)

	node, err = reg.Get("node-a")
	require.NoError(t, err)
	assert.Equal(t, want, node.Desired)

	cancel()
	require.NoError(t, <-done)
}
