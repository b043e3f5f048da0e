package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ensemble-fleet/ensemble/common"
	"github.com/ensemble-fleet/ensemble/internal/concurrency"
	"github.com/ensemble-fleet/ensemble/internal/rpc"
)

var (
	errNothingToDo  = errors.New("nothing to reconcile")
	errStaleAttempt = errors.New("attempt was superseded")
)

// agentAPI is the slice of the agent protocol the coordinator calls.
type agentAPI interface {
	ApplyConfiguration(ctx context.Context, conn common.ConnectionMeta, gen *common.Generation) error
	SetRunState(ctx context.Context, conn common.ConnectionMeta, req *common.RunStateRequest) error
	SampleHealth(ctx context.Context, conn common.ConnectionMeta) (*common.HealthSample, error)
	Logs(ctx context.Context, conn common.ConnectionMeta, offset, tail string) (io.ReadCloser, string, error)
}

type reconcilerOptions struct {
	Workers        int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
	CallTimeout    time.Duration
	Resync         time.Duration
}

func defaultReconcilerOptions() reconcilerOptions {
	return reconcilerOptions{
		Workers:        2,
		InitialBackoff: time.Second * 2,
		MaxBackoff:     time.Minute * 2,
		MaxAttempts:    5,
		CallTimeout:    time.Second * 30,
		Resync:         time.Minute * 5,
	}
}

// reconciler drives each node's agent toward the node's desired state.
// Workers pull node ids off the queue, claim the node's current
// attempt, converge, and record the outcome. The queue's processing set
// plus the registry's per-node locks guarantee that no two attempts for
// one node ever run concurrently.
type reconciler struct {
	log      *zap.Logger
	registry *registry
	queue    *nodeQueue
	agent    agentAPI
	events   *eventPublisher
	opts     reconcilerOptions
}

func newReconciler(log *zap.Logger, reg *registry, queue *nodeQueue, agent agentAPI, events *eventPublisher, opts reconcilerOptions) *reconciler {
	return &reconciler{
		log:      log,
		registry: reg,
		queue:    queue,
		agent:    agent,
		events:   events,
		opts:     opts,
	}
}

// Run reconciles until ctx is cancelled. Work interrupted by a previous
// crash is re-derived from durable state before the workers start.
func (r *reconciler) Run(ctx context.Context) error {
	if err := r.recover(); err != nil {
		return fmt.Errorf("recovering interrupted work: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < r.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.worker(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		concurrency.RunLoop(ctx, nil, r.opts.Resync, time.Minute, func() bool {
			if err := r.resync(); err != nil {
				r.log.Error("resync failed", zap.Error(err))
				return false
			}
			return true
		})
	}()

	<-ctx.Done()
	r.queue.Shutdown()
	wg.Wait()
	return nil
}

func (r *reconciler) worker(ctx context.Context) {
	for {
		id, ok := r.queue.Get(ctx)
		if !ok {
			return
		}
		r.process(ctx, id)
		r.queue.Done(id)
	}
}

func (r *reconciler) process(ctx context.Context, id string) {
	start := time.Now()

	// Claim the node's current attempt. Anything other than pending or
	// retry_scheduled means the enqueue that brought us here is stale.
	node, err := r.registry.mutateNode(id, func(node *common.Node) error {
		a := node.Attempt
		if a == nil || (a.State != common.AttemptPending && a.State != common.AttemptRetryScheduled) {
			return errNothingToDo
		}
		a.State = common.AttemptInProgress
		a.Attempts++
		a.UpdatedAt = time.Now().UTC()
		return nil
	})
	if errors.Is(err, errNothingToDo) || errors.Is(err, errUnknownNode) {
		return
	}
	if err != nil {
		r.log.Error("failed to claim attempt", zap.String("node", id), zap.Error(err))
		r.queue.AddAfter(id, r.opts.InitialBackoff)
		return
	}

	attemptID := node.Attempt.ID
	out, detail, sample := r.converge(ctx, node)
	r.finish(id, attemptID, out, detail, sample)
	metricReconcileDuration.Observe(time.Since(start).Seconds())
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeRetry
	outcomeFatal
)

// converge makes the remote calls that move the node to its target
// state, then confirms through a fresh health sample. The agent's
// operations are idempotent so it's safe to replay all of them on every
// attempt.
func (r *reconciler) converge(ctx context.Context, node *common.Node) (outcome, string, *common.HealthSample) {
	target := node.Attempt.Target

	if target.Generation > 0 {
		gen, err := r.registry.store.GetGeneration(node.ID, target.Generation)
		if err != nil {
			return outcomeFatal, fmt.Sprintf("loading generation %d: %s", target.Generation, err), nil
		}

		err = r.withTimeout(ctx, func(ctx context.Context) error {
			return r.agent.ApplyConfiguration(ctx, node.Connection, gen)
		})
		if err != nil {
			return classify("applying configuration", err)
		}
	}

	err := r.withTimeout(ctx, func(ctx context.Context) error {
		return r.agent.SetRunState(ctx, node.Connection, &common.RunStateRequest{
			Desired: target.RunState,
			Restart: node.Attempt.Restart,
		})
	})
	if err != nil {
		return classify("setting run state", err)
	}

	var sample *common.HealthSample
	err = r.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		sample, err = r.agent.SampleHealth(ctx, node.Connection)
		return err
	})
	if err != nil {
		return outcomeRetry, fmt.Sprintf("confirming state: %s", err), nil
	}

	if sample.RunState != target.RunState {
		return outcomeRetry, fmt.Sprintf("agent reports run state %q, want %q", sample.RunState, target.RunState), nil
	}
	if target.Generation > 0 && sample.Generation != target.Generation {
		return outcomeRetry, fmt.Sprintf("agent reports generation %d, want %d", sample.Generation, target.Generation), nil
	}

	return outcomeSucceeded, "", sample
}

// finish records the outcome unless a newer operator action superseded
// the attempt mid-flight, in which case the result is discarded and the
// dirty re-queue picks up the replacement.
func (r *reconciler) finish(id, attemptID string, out outcome, detail string, sample *common.HealthSample) {
	node, err := r.registry.mutateNode(id, func(node *common.Node) error {
		if node.Attempt == nil || node.Attempt.ID != attemptID {
			return errStaleAttempt
		}

		attempt := node.Attempt
		attempt.UpdatedAt = time.Now().UTC()
		attempt.Detail = detail

		switch out {
		case outcomeSucceeded:
			attempt.State = common.AttemptSucceeded
			node.Observed.RunState = sample.RunState
			node.Observed.Generation = sample.Generation
			node.Observed.LastSample = sample
			node.Observed.LastReconciled = attempt.UpdatedAt
			node.Observed.Failures = 0

		case outcomeFatal:
			attempt.State = common.AttemptFailed
			node.Observed.Failures++

		case outcomeRetry:
			node.Observed.Failures++
			if attempt.Attempts >= r.opts.MaxAttempts {
				attempt.State = common.AttemptFailed
				attempt.Detail = fmt.Sprintf("retry budget exhausted after %d attempts: %s", attempt.Attempts, detail)
			} else {
				attempt.State = common.AttemptRetryScheduled
				attempt.NextRetry = attempt.UpdatedAt.Add(r.backoff(attempt.Attempts))
			}
		}
		return nil
	})
	if errors.Is(err, errStaleAttempt) || errors.Is(err, errUnknownNode) {
		return
	}
	if err != nil {
		r.log.Error("failed to record attempt outcome", zap.String("node", id), zap.Error(err))
		return
	}

	attempt := node.Attempt
	r.events.Publish("ensemble.attempt."+string(attempt.State), attempt)
	metricAttemptOutcomes.WithLabelValues(string(attempt.State)).Inc()

	switch attempt.State {
	case common.AttemptSucceeded:
		r.log.Info("reconciled node", zap.String("node", id), zap.Int64("generation", attempt.Target.Generation), zap.String("runState", string(attempt.Target.RunState)))
	case common.AttemptRetryScheduled:
		r.queue.AddAfter(id, time.Until(attempt.NextRetry))
		r.log.Warn("reconciliation will retry", zap.String("node", id), zap.Int("attempts", attempt.Attempts), zap.Time("nextRetry", attempt.NextRetry), zap.String("detail", detail))
	case common.AttemptFailed:
		r.log.Error("reconciliation failed", zap.String("node", id), zap.Int("attempts", attempt.Attempts), zap.String("detail", attempt.Detail))
	}
}

// backoff returns the delay before retrying after the nth attempt:
// initial × 2^(n-1), capped at the configured maximum.
func (r *reconciler) backoff(n int) time.Duration {
	delay := r.opts.InitialBackoff
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= r.opts.MaxBackoff {
			return r.opts.MaxBackoff
		}
	}
	if delay > r.opts.MaxBackoff {
		delay = r.opts.MaxBackoff
	}
	return delay
}

func (r *reconciler) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	callCtx, done := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer done()
	return fn(callCtx)
}

// classify sorts a remote call error into retryable vs. fatal. The
// agent understood and refused fatal calls, so retrying can't help
// until an operator changes something.
func classify(op string, err error) (outcome, string, *common.HealthSample) {
	if fatalCallErr(err) {
		return outcomeFatal, fmt.Sprintf("%s: %s", op, err), nil
	}
	return outcomeRetry, fmt.Sprintf("%s: %s", op, err), nil
}

func fatalCallErr(err error) bool {
	statusErr := &rpc.ErrStatus{}
	untrusted := &rpc.ErrUntrustedClient{}
	unauth := &rpc.ErrUnauthenticated{}
	return errors.As(err, &statusErr) || errors.As(err, &untrusted) || errors.As(err, &unauth)
}

// recover re-derives queue state from the store after a restart.
// in_progress attempts were interrupted mid-call, so they run again
// from scratch; scheduled retries keep whatever delay remains; terminal
// attempts stay terminal.
func (r *reconciler) recover() error {
	nodes, err := r.registry.List()
	if err != nil {
		return err
	}

	for _, node := range nodes {
		attempt := node.Attempt
		if attempt == nil {
			continue
		}

		switch attempt.State {
		case common.AttemptPending:
			r.queue.Add(node.ID)
		case common.AttemptInProgress:
			_, err := r.registry.mutateNode(node.ID, func(node *common.Node) error {
				if node.Attempt != nil && node.Attempt.State == common.AttemptInProgress {
					node.Attempt.State = common.AttemptPending
				}
				return nil
			})
			if err != nil {
				return err
			}
			r.queue.Add(node.ID)
		case common.AttemptRetryScheduled:
			r.queue.AddAfter(node.ID, time.Until(attempt.NextRetry))
		}
	}
	return nil
}

// resync nudges nodes whose last attempt succeeded but whose observed
// state has since drifted from desired (process crashed for good, agent
// state wiped, etc). Failed attempts are not retried here - they wait
// for a corrective operator action.
func (r *reconciler) resync() error {
	nodes, err := r.registry.List()
	if err != nil {
		return err
	}

	for _, node := range nodes {
		if node.Attempt == nil || node.Attempt.State != common.AttemptSucceeded {
			continue
		}
		if node.Observed.RunState == node.Desired.RunState && (node.Desired.Generation == 0 || node.Observed.Generation == node.Desired.Generation) {
			continue
		}

		_, err := r.registry.mutateNode(node.ID, func(node *common.Node) error {
			if node.Attempt == nil || node.Attempt.State != common.AttemptSucceeded {
				return errNothingToDo
			}
			recordAttempt(node, false)
			return nil
		})
		if errors.Is(err, errNothingToDo) || errors.Is(err, errUnknownNode) {
			continue
		}
		if err != nil {
			return err
		}

		r.log.Info("resyncing drifted node", zap.String("node", node.ID))
		r.queue.Add(node.ID)
	}
	return nil
}
