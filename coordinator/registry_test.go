package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ensemble-fleet/ensemble/common"
)

func validConfigPayload() map[string]any {
	return map[string]any{
		"agent": map[string]any{
			"system_prompt":   "You are a scheduling assistant",
			"welcome_message": "Hello!",
			"llm_provider":    "groq",
			"stt_provider":    "deepgram",
			"tts_provider":    "elevenlabs",
		},
		"telephony": map[string]any{
			"phone_number":  "+15105550123",
			"sip_trunk_uri": "sip:trunk.example.com",
		},
		"credentials": map[string]any{
			"groq_api_key":       "gsk_test",
			"deepgram_api_key":   "dg_test",
			"elevenlabs_api_key": "el_test",
		},
	}
}

func newTestRegistry(t *testing.T) (*registry, *nodeQueue) {
	s, err := newStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	q := newNodeQueue()
	r, err := newRegistry(zap.NewNop(), s, q, nil)
	require.NoError(t, err)
	return r, q
}

func registerTestNode(t *testing.T, r *registry, id string) *common.Node {
	node, err := r.Register("admin", &common.RegisterNodeRequest{
		ID:          id,
		Address:     id + ".example.com:8124",
		Fingerprint: "fprint-" + id,
	})
	require.NoError(t, err)
	return node
}

func TestRegistryRegister(t *testing.T) {
	r, _ := newTestRegistry(t)

	node := registerTestNode(t, r, "node-a")
	assert.Equal(t, uint64(1), node.Seq)
	assert.Equal(t, common.RunStateStopped, node.Desired.RunState)
	assert.Nil(t, node.Attempt)

	_, err := r.Register("admin", &common.RegisterNodeRequest{ID: "node-a", Address: "x:1", Fingerprint: "y"})
	assert.ErrorIs(t, err, errDuplicateNode)

	_, err = r.Register("admin", &common.RegisterNodeRequest{ID: "node-c", Address: "x:1", Fingerprint: "fprint-node-a"})
	assert.ErrorIs(t, err, errDuplicateCert)

	_, err = r.Register("admin", &common.RegisterNodeRequest{ID: "node-b"})
	assert.ErrorIs(t, err, errIncompleteNode)

	assert.True(t, r.TrustsFingerprint("fprint-node-a"))
	assert.False(t, r.TrustsFingerprint("fprint-node-b"))

	registerTestNode(t, r, "node-b")
	list, err := r.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "node-a", list[0].ID)
	assert.Equal(t, "node-b", list[1].ID)
}

func TestRegistrySetConfiguration(t *testing.T) {
	r, q := newTestRegistry(t)
	registerTestNode(t, r, "node-a")

	gen, attempt, err := r.SetConfiguration("admin", "node-a", validConfigPayload())
	require.NoError(t, err)
	assert.Equal(t, int64(1), gen.ID)
	assert.True(t, gen.Validation.Accepted)
	assert.Equal(t, common.AttemptPending, attempt.State)
	assert.Equal(t, common.DesiredState{Generation: 1, RunState: common.RunStateStopped}, attempt.Target)
	assert.Equal(t, 1, q.Len())

	node, err := r.Get("node-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), node.Desired.Generation)
	assert.Equal(t, attempt.ID, node.Attempt.ID)

	gen, _, err = r.SetConfiguration("admin", "node-a", validConfigPayload())
	require.NoError(t, err)
	assert.Equal(t, int64(2), gen.ID)

	_, _, err = r.SetConfiguration("admin", "missing", validConfigPayload())
	assert.ErrorIs(t, err, errUnknownNode)
}

func TestRegistryRejectedPayloadMintsNothing(t *testing.T) {
	r, q := newTestRegistry(t)
	registerTestNode(t, r, "node-a")

	payload := validConfigPayload()
	delete(payload, "telephony")

	_, _, err := r.SetConfiguration("admin", "node-a", payload)
	verr := &errValidation{}
	require.ErrorAs(t, err, &verr)
	assert.False(t, verr.Result.Accepted)
	assert.NotEmpty(t, verr.Result.Errors)

	gens, err := r.ListGenerations("node-a")
	require.NoError(t, err)
	assert.Empty(t, gens)

	node, err := r.Get("node-a")
	require.NoError(t, err)
	assert.Nil(t, node.Attempt)
	assert.Zero(t, node.Desired.Generation)
	assert.Equal(t, 0, q.Len())
}

func TestRegistryRollback(t *testing.T) {
	r, _ := newTestRegistry(t)
	registerTestNode(t, r, "node-a")

	_, _, err := r.SetConfiguration("admin", "node-a", validConfigPayload())
	require.NoError(t, err)
	_, _, err = r.SetConfiguration("admin", "node-a", validConfigPayload())
	require.NoError(t, err)

	attempt, err := r.RollbackConfiguration("admin", "node-a", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), attempt.Target.Generation)

	// Rolling back re-targets; history keeps every generation
	node, err := r.Get("node-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), node.Desired.Generation)

	gens, err := r.ListGenerations("node-a")
	require.NoError(t, err)
	assert.Len(t, gens, 2)

	_, err = r.RollbackConfiguration("admin", "node-a", 9)
	assert.ErrorIs(t, err, errUnknownGeneration)
}

func TestRegistrySetRunState(t *testing.T) {
	r, q := newTestRegistry(t)
	registerTestNode(t, r, "node-a")

	// Can't start a node that has no configuration
	_, err := r.SetRunState("admin", "node-a", common.RunStateRunning, false)
	assert.Error(t, err)

	_, err = r.SetRunState("admin", "node-a", "paused", false)
	assert.Error(t, err)

	_, first, err := r.SetConfiguration("admin", "node-a", validConfigPayload())
	require.NoError(t, err)

	attempt, err := r.SetRunState("admin", "node-a", common.RunStateRunning, false)
	require.NoError(t, err)
	assert.Equal(t, common.DesiredState{Generation: 1, RunState: common.RunStateRunning}, attempt.Target)
	assert.False(t, attempt.Restart)

	// The newer change replaced the config push attempt
	node, err := r.Get("node-a")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, node.Attempt.ID)
	assert.Equal(t, attempt.ID, node.Attempt.ID)
	assert.Equal(t, 1, q.Len())

	attempt, err = r.SetRunState("admin", "node-a", common.RunStateRunning, true)
	require.NoError(t, err)
	assert.True(t, attempt.Restart)
}

func TestRegistryUpdateObserved(t *testing.T) {
	r, _ := newTestRegistry(t)
	registerTestNode(t, r, "node-a")

	sample := &common.HealthSample{
		Timestamp:  time.Now().UTC(),
		RunState:   common.RunStateRunning,
		Generation: 3,
		CPUPercent: 12.5,
	}
	require.NoError(t, r.UpdateObserved("node-a", sample))

	node, err := r.Get("node-a")
	require.NoError(t, err)
	assert.Equal(t, common.RunStateRunning, node.Observed.RunState)
	assert.Equal(t, int64(3), node.Observed.Generation)
	assert.Equal(t, sample, node.Observed.LastSample)

	// Health evidence never moves desired state
	assert.Equal(t, common.DesiredState{RunState: common.RunStateStopped}, node.Desired)

	assert.ErrorIs(t, r.UpdateObserved("missing", sample), errUnknownNode)
}

func TestRegistryDeregister(t *testing.T) {
	r, _ := newTestRegistry(t)
	registerTestNode(t, r, "node-a")

	// Never-observed nodes can be removed
	require.NoError(t, r.Deregister("admin", "node-a"))
	_, err := r.Get("node-a")
	assert.ErrorIs(t, err, errUnknownNode)
	assert.False(t, r.TrustsFingerprint("fprint-node-a"))

	assert.ErrorIs(t, r.Deregister("admin", "node-a"), errUnknownNode)
}

func TestRegistryDeregisterPreconditions(t *testing.T) {
	r, _ := newTestRegistry(t)
	registerTestNode(t, r, "node-b")

	// In-flight attempt blocks removal
	_, _, err := r.SetConfiguration("admin", "node-b", validConfigPayload())
	require.NoError(t, err)
	assert.ErrorIs(t, r.Deregister("admin", "node-b"), errNodePrecondition)

	// Observed running blocks removal even after the attempt settles
	node, err := r.mutateNode("node-b", func(n *common.Node) error {
		n.Attempt.State = common.AttemptSucceeded
		n.Observed.RunState = common.RunStateRunning
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.ErrorIs(t, r.Deregister("admin", "node-b"), errNodePrecondition)

	// Desired running blocks removal
	_, err = r.mutateNode("node-b", func(n *common.Node) error {
		n.Desired.RunState = common.RunStateRunning
		n.Observed.RunState = common.RunStateStopped
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, r.Deregister("admin", "node-b"), errNodePrecondition)

	// At rest: removable
	_, err = r.mutateNode("node-b", func(n *common.Node) error {
		n.Desired.RunState = common.RunStateStopped
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, r.Deregister("admin", "node-b"))
}

func TestRegistryAudit(t *testing.T) {
	r, _ := newTestRegistry(t)
	registerTestNode(t, r, "node-a")

	_, _, err := r.SetConfiguration("admin", "node-a", validConfigPayload())
	require.NoError(t, err)
	_, err = r.SetRunState("operator-1", "node-a", common.RunStateRunning, false)
	require.NoError(t, err)

	entries, err := r.store.ListAudit(0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Newest first, with the desired-state transition recorded
	assert.Equal(t, "set-run-state", entries[0].Action)
	assert.Equal(t, "operator-1", entries[0].Actor)
	assert.Equal(t, "node-a", entries[0].Target)
	assert.Contains(t, entries[0].Detail, "{gen 1, stopped} -> {gen 1, running}")
	assert.Equal(t, "push-configuration", entries[1].Action)
	assert.Equal(t, "register", entries[2].Action)
}
