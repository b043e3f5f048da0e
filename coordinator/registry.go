package main

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ensemble-fleet/ensemble/common"
	"github.com/ensemble-fleet/ensemble/internal/concurrency"
	"github.com/ensemble-fleet/ensemble/internal/validate"
)

var (
	errDuplicateNode     = errors.New("node id already registered")
	errUnknownNode       = errors.New("unknown node")
	errUnknownGeneration = errors.New("unknown generation")
	errNodePrecondition  = errors.New("node must be stopped with no reconciliation in flight")
	errIncompleteNode    = errors.New("id, address, and fingerprint are required")
	errDuplicateCert     = errors.New("fingerprint already registered to another node")
	errBadRunState       = errors.New("invalid run state")
	errNoConfiguration   = errors.New("node has no configuration to run")
)

// errValidation is returned when a configuration payload fails schema
// validation. No generation is minted and nothing is persisted.
type errValidation struct {
	Result common.ValidationResult
}

func (e *errValidation) Error() string { return "configuration payload rejected" }

// fleetIndex is a point-in-time view of fleet membership used by the
// TLS authorizer and the health pollers.
type fleetIndex struct {
	ByID          map[string]common.ConnectionMeta
	ByFingerprint map[string]string // fingerprint -> node id
}

// registry is the authoritative view of the fleet. Every mutation is
// serialized per node id; different nodes proceed independently and
// listings are point-in-time snapshots. Desired-state changes record a
// pending attempt on the node, audit the transition, and enqueue the
// node for the reconciler.
type registry struct {
	// Index is swapped on every membership change so the TLS authorizer
	// and poller set can follow along without touching the store.
	Index *concurrency.StateContainer[*fleetIndex]

	log    *zap.Logger
	store  *store
	queue  *nodeQueue
	events *eventPublisher
	locks  sync.Map // node id -> *sync.Mutex, entries are never removed
}

func newRegistry(log *zap.Logger, store *store, queue *nodeQueue, events *eventPublisher) (*registry, error) {
	r := &registry{
		Index:  &concurrency.StateContainer[*fleetIndex]{},
		log:    log,
		store:  store,
		queue:  queue,
		events: events,
	}
	if err := r.reindex(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *registry) lockNode(id string) func() {
	val, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	mut := val.(*sync.Mutex)
	mut.Lock()
	return mut.Unlock
}

func (r *registry) Register(actor string, req *common.RegisterNodeRequest) (*common.Node, error) {
	if req.ID == "" || req.Address == "" || req.Fingerprint == "" {
		return nil, errIncompleteNode
	}

	unlock := r.lockNode(req.ID)
	defer unlock()

	if _, err := r.store.GetNode(req.ID); err == nil {
		return nil, errDuplicateNode
	} else if !errors.Is(err, errNotFound) {
		return nil, err
	}
	// An agent cert identifies exactly one node
	if r.TrustsFingerprint(req.Fingerprint) {
		return nil, errDuplicateCert
	}

	node := &common.Node{
		ID: req.ID,
		Connection: common.ConnectionMeta{
			Address:       req.Address,
			Fingerprint:   req.Fingerprint,
			CredentialRef: req.CredentialRef,
		},
		Desired:      common.DesiredState{RunState: common.RunStateStopped},
		RegisteredAt: time.Now().UTC(),
	}
	if err := r.store.CreateNode(node); err != nil {
		return nil, err
	}

	r.appendAudit(actor, "register", node.ID, "address "+req.Address)
	r.events.Publish("ensemble.node.registered", node)
	r.refreshIndex()
	return node, nil
}

func (r *registry) Get(id string) (*common.Node, error) {
	node, err := r.store.GetNode(id)
	if errors.Is(err, errNotFound) {
		return nil, errUnknownNode
	}
	return node, err
}

func (r *registry) List() ([]*common.Node, error) { return r.store.ListNodes() }

func (r *registry) ListAudit(limit int) ([]*common.AuditEntry, error) { return r.store.ListAudit(limit) }

func (r *registry) ListGenerations(id string) ([]*common.Generation, error) {
	if _, err := r.Get(id); err != nil {
		return nil, err
	}
	return r.store.ListGenerations(id)
}

// Deregister removes a node, but only once it has been brought to rest:
// desired and observed run state both stopped, no attempt in flight.
func (r *registry) Deregister(actor, id string) error {
	unlock := r.lockNode(id)
	defer unlock()

	node, err := r.Get(id)
	if err != nil {
		return err
	}
	// A node that has never been observed can still be removed -
	// otherwise a node registered with a bad address could never be
	// cleaned up.
	stopped := node.Observed.RunState == common.RunStateStopped || node.Observed.RunState == ""
	if node.Desired.RunState != common.RunStateStopped || !stopped || attemptInFlight(node.Attempt) {
		return errNodePrecondition
	}
	if err := r.store.DeleteNode(id); err != nil {
		return err
	}

	r.appendAudit(actor, "deregister", id, "")
	r.events.Publish("ensemble.node.deregistered", node)
	r.refreshIndex()
	return nil
}

func attemptInFlight(attempt *common.Attempt) bool {
	return attempt != nil && attempt.State != common.AttemptSucceeded && attempt.State != common.AttemptFailed
}

// SetConfiguration validates the payload, mints the node's next
// generation, and records an attempt to roll it out. Rejected payloads
// mint nothing and have no side effects.
func (r *registry) SetConfiguration(actor, id string, payload map[string]any) (*common.Generation, *common.Attempt, error) {
	res := validate.Validate(payload)
	if !res.Accepted {
		return nil, nil, &errValidation{Result: res}
	}

	unlock := r.lockNode(id)
	defer unlock()

	node, err := r.Get(id)
	if err != nil {
		return nil, nil, err
	}

	gen := &common.Generation{
		NodeID:     id,
		Payload:    payload,
		Validation: res,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.store.CreateGeneration(gen); err != nil {
		return nil, nil, err
	}

	prev := node.Desired
	node.Desired.Generation = gen.ID
	attempt := recordAttempt(node, false)
	if err := r.store.PutNode(node); err != nil {
		return nil, nil, err
	}

	r.finishChange(actor, "push-configuration", node, prev)
	return gen, attempt, nil
}

// RollbackConfiguration re-targets a previously accepted generation.
// History is immutable so the old payload is still there to roll
// forward to again later.
func (r *registry) RollbackConfiguration(actor, id string, generation int64) (*common.Attempt, error) {
	unlock := r.lockNode(id)
	defer unlock()

	node, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if _, err := r.store.GetGeneration(id, generation); errors.Is(err, errNotFound) {
		return nil, errUnknownGeneration
	} else if err != nil {
		return nil, err
	}

	prev := node.Desired
	node.Desired.Generation = generation
	attempt := recordAttempt(node, false)
	if err := r.store.PutNode(node); err != nil {
		return nil, err
	}

	r.finishChange(actor, "rollback-configuration", node, prev)
	return attempt, nil
}

func (r *registry) SetRunState(actor, id string, desired common.RunState, restart bool) (*common.Attempt, error) {
	if desired != common.RunStateRunning && desired != common.RunStateStopped {
		return nil, fmt.Errorf("%w %q", errBadRunState, desired)
	}

	unlock := r.lockNode(id)
	defer unlock()

	node, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if desired == common.RunStateRunning && node.Desired.Generation == 0 {
		return nil, errNoConfiguration
	}

	prev := node.Desired
	node.Desired.RunState = desired
	attempt := recordAttempt(node, restart)
	if err := r.store.PutNode(node); err != nil {
		return nil, err
	}

	r.finishChange(actor, "set-run-state", node, prev)
	return attempt, nil
}

// recordAttempt replaces the node's current attempt with a fresh
// pending one targeting its desired state. If an older attempt was in
// flight its result will be discarded when the id no longer matches.
func recordAttempt(node *common.Node, restart bool) *common.Attempt {
	attempt := &common.Attempt{
		ID:        uuid.NewString(),
		NodeID:    node.ID,
		State:     common.AttemptPending,
		Target:    node.Desired,
		Restart:   restart,
		UpdatedAt: time.Now().UTC(),
	}
	node.Attempt = attempt
	return attempt
}

// UpdateObserved folds a fresh health sample into the node record.
// Observed state only ever flows agent -> coordinator; desired state is
// never touched here.
func (r *registry) UpdateObserved(id string, sample *common.HealthSample) error {
	_, err := r.mutateNode(id, func(node *common.Node) error {
		node.Observed.RunState = sample.RunState
		node.Observed.Generation = sample.Generation
		node.Observed.LastSample = sample
		return nil
	})
	return err
}

// mutateNode applies fn to the node under its lock and persists the
// result. An error from fn aborts without writing.
func (r *registry) mutateNode(id string, fn func(*common.Node) error) (*common.Node, error) {
	unlock := r.lockNode(id)
	defer unlock()

	node, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if err := fn(node); err != nil {
		return nil, err
	}
	if err := r.store.PutNode(node); err != nil {
		return nil, err
	}
	return node, nil
}

func (r *registry) TrustsFingerprint(fingerprint string) bool {
	idx := r.Index.Get()
	return idx != nil && idx.ByFingerprint[fingerprint] != ""
}

func (r *registry) finishChange(actor, action string, node *common.Node, prev common.DesiredState) {
	detail := fmt.Sprintf("%s -> %s", describeDesired(prev), describeDesired(node.Desired))
	if node.Attempt.Restart {
		detail += " (restart)"
	}
	r.appendAudit(actor, action, node.ID, detail)
	r.events.Publish("ensemble.attempt."+string(node.Attempt.State), node.Attempt)
	r.queue.Add(node.ID)
}

func describeDesired(desired common.DesiredState) string {
	return fmt.Sprintf("{gen %d, %s}", desired.Generation, desired.RunState)
}

func (r *registry) appendAudit(actor, action, target, detail string) {
	err := r.store.AppendAudit(&common.AuditEntry{
		Actor:     actor,
		Action:    action,
		Target:    target,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		r.log.Error("failed to append audit entry", zap.String("action", action), zap.Error(err))
	}
}

func (r *registry) reindex() error {
	nodes, err := r.store.ListNodes()
	if err != nil {
		return err
	}

	idx := &fleetIndex{
		ByID:          map[string]common.ConnectionMeta{},
		ByFingerprint: map[string]string{},
	}
	for _, node := range nodes {
		idx.ByID[node.ID] = node.Connection
		idx.ByFingerprint[node.Connection.Fingerprint] = node.ID
	}
	r.Index.Swap(idx)
	metricRegisteredNodes.Set(float64(len(idx.ByID)))
	return nil
}

func (r *registry) refreshIndex() {
	if err := r.reindex(); err != nil {
		r.log.Error("failed to refresh fleet index", zap.Error(err))
	}
}
