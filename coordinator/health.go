package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ensemble-fleet/ensemble/common"
	"github.com/ensemble-fleet/ensemble/internal/concurrency"
	"go.uber.org/zap"
)

type healthOptions struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
	Freshness    time.Duration // samples older than this prove nothing
	CPUThreshold float64
	MemThreshold float64
	WindowSize   int
}

func defaultHealthOptions() healthOptions {
	return healthOptions{
		PollInterval: time.Second * 15,
		PollTimeout:  time.Second * 10,
		Freshness:    time.Second * 45,
		CPUThreshold: 90,
		MemThreshold: 90,
		WindowSize:   10,
	}
}

// healthWindows holds a bounded, recency-ordered window of samples per
// node. Samples are evidence, not state - classification is derived
// from the window on demand and never persisted.
type healthWindows struct {
	lock   sync.Mutex
	byNode map[string][]*common.HealthSample
	size   int
}

func newHealthWindows(size int) *healthWindows {
	return &healthWindows{byNode: map[string][]*common.HealthSample{}, size: size}
}

func (h *healthWindows) Observe(id string, sample *common.HealthSample) {
	h.lock.Lock()
	defer h.lock.Unlock()

	window := append(h.byNode[id], sample)
	if len(window) > h.size {
		window = window[len(window)-h.size:]
	}
	h.byNode[id] = window
}

func (h *healthWindows) Window(id string) []*common.HealthSample {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]*common.HealthSample{}, h.byNode[id]...)
}

func (h *healthWindows) Forget(id string) {
	h.lock.Lock()
	defer h.lock.Unlock()
	delete(h.byNode, id)
}

// classifyHealth derives a node's class from its sample window. No
// sample within the freshness threshold means unreachable no matter
// what the last sample claimed.
func classifyHealth(window []*common.HealthSample, opts healthOptions, now time.Time) common.HealthClass {
	if len(window) == 0 {
		return common.HealthUnreachable
	}
	latest := window[len(window)-1]
	if now.Sub(latest.Timestamp) > opts.Freshness {
		return common.HealthUnreachable
	}
	if latest.Error != "" || latest.CPUPercent > opts.CPUThreshold || latest.MemoryPercent > opts.MemThreshold {
		return common.HealthDegraded
	}
	return common.HealthHealthy
}

// healthAggregator runs one poller per registered node and keeps the
// per-node sample windows current. The poller set follows registry
// membership.
type healthAggregator struct {
	log      *zap.Logger
	registry *registry
	agent    agentAPI
	events   *eventPublisher
	windows  *healthWindows
	opts     healthOptions

	lock    sync.Mutex
	classes map[string]common.HealthClass
}

func newHealthAggregator(log *zap.Logger, reg *registry, agent agentAPI, events *eventPublisher, opts healthOptions) *healthAggregator {
	return &healthAggregator{
		log:      log.Named("health"),
		registry: reg,
		agent:    agent,
		events:   events,
		windows:  newHealthWindows(opts.WindowSize),
		opts:     opts,
		classes:  map[string]common.HealthClass{},
	}
}

func (a *healthAggregator) Run(ctx context.Context) {
	var (
		pollers = map[string]context.CancelFunc{}
		watch   = a.registry.Index.Watch(ctx)
	)

	syncPollers := func() {
		idx := a.registry.Index.Get()
		if idx == nil {
			return
		}
		for id := range idx.ByID {
			if _, ok := pollers[id]; ok {
				continue
			}
			pollCtx, cancel := context.WithCancel(ctx)
			pollers[id] = cancel
			go a.poll(pollCtx, id)
		}
		for id, cancel := range pollers {
			if _, ok := idx.ByID[id]; ok {
				continue
			}
			cancel()
			delete(pollers, id)
		}
	}

	syncPollers()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watch:
			if !ok {
				return
			}
			syncPollers()
		}
	}
}

// poll is the per-node poll loop. It owns the node's window: cleanup
// on exit is ordered after the loop's last observation, so a stopped
// poller never leaves evidence behind.
func (a *healthAggregator) poll(ctx context.Context, id string) {
	defer a.forgetClass(id)
	defer a.windows.Forget(id)

	concurrency.RunLoop(ctx, nil, a.opts.PollInterval, a.opts.PollInterval, func() bool {
		a.pollOnce(ctx, id)
		return true
	})
}

func (a *healthAggregator) pollOnce(ctx context.Context, id string) {
	idx := a.registry.Index.Get()
	if idx == nil {
		return
	}
	conn, ok := idx.ByID[id]
	if !ok {
		return
	}

	callCtx, done := context.WithTimeout(ctx, a.opts.PollTimeout)
	defer done()

	sample, err := a.agent.SampleHealth(callCtx, conn)
	if err != nil {
		metricPollErrors.Inc()
		a.log.Warn("health poll failed", zap.String("nodeID", id), zap.Error(err))
	} else {
		a.windows.Observe(id, sample)
		if err := a.registry.UpdateObserved(id, sample); err != nil && !errors.Is(err, errUnknownNode) {
			a.log.Error("unable to update observed state", zap.String("nodeID", id), zap.Error(err))
		}
	}

	a.publishTransition(id)
}

// Classify recomputes the node's class from its current window.
func (a *healthAggregator) Classify(id string) common.HealthClass {
	return classifyHealth(a.windows.Window(id), a.opts, time.Now())
}

// publishTransition emits an event when a node's classification
// changes. Failed polls matter here too: enough of them and the node
// ages out of its window into unreachable.
func (a *healthAggregator) publishTransition(id string) {
	class := a.Classify(id)

	a.lock.Lock()
	prev, seen := a.classes[id]
	a.classes[id] = class
	a.lock.Unlock()

	if seen && prev == class {
		return
	}
	a.log.Info("node health transition", zap.String("nodeID", id), zap.String("from", string(prev)), zap.String("to", string(class)))
	a.events.Publish("ensemble.health."+string(class), &common.HealthTransition{
		NodeID:    id,
		From:      prev,
		To:        class,
		Timestamp: time.Now().UTC(),
	})
}

func (a *healthAggregator) forgetClass(id string) {
	a.lock.Lock()
	defer a.lock.Unlock()
	delete(a.classes, id)
}
