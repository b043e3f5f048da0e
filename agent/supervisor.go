package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/ensemble-fleet/ensemble/common"
	"github.com/ensemble-fleet/ensemble/internal/concurrency"
	"github.com/ensemble-fleet/ensemble/internal/validate"
)

var (
	errBadGeneration = errors.New("invalid generation")
	errBadRunState   = errors.New("invalid run state")
	errNoConfig      = errors.New("no configuration has been applied")
	errBadCursor     = errors.New("invalid log cursor")
)

// processSpec describes the process this agent supervises. It's static
// host configuration, not fleet configuration: the coordinator never
// sees or changes it.
type processSpec struct {
	Command    []string          `toml:"command"`
	Dir        string            `toml:"dir"`
	Env        map[string]string `toml:"env"`
	LogFile    string            `toml:"logfile"`
	ConfigFile string            `toml:"configfile"`
}

func loadProcessSpec(path string) (*processSpec, error) {
	spec := &processSpec{}
	if _, err := toml.DecodeFile(path, spec); err != nil {
		return nil, fmt.Errorf("reading process spec: %w", err)
	}
	if len(spec.Command) == 0 {
		return nil, errors.New("process spec must set a command")
	}
	if spec.LogFile == "" {
		spec.LogFile = "process.log"
	}
	if spec.ConfigFile == "" {
		spec.ConfigFile = "config.json"
	}

	// The child runs with its own working directory, so both paths have
	// to be absolute before they're handed to it.
	var err error
	if spec.LogFile, err = filepath.Abs(spec.LogFile); err != nil {
		return nil, err
	}
	if spec.ConfigFile, err = filepath.Abs(spec.ConfigFile); err != nil {
		return nil, err
	}
	return spec, nil
}

// appliedState is everything the agent has to remember across its own
// restarts, persisted as json after every change.
type appliedState struct {
	Generation   int64           `json:"generation,omitempty"`
	Payload      map[string]any  `json:"payload,omitempty"`
	RunState     common.RunState `json:"runState,omitempty"`
	Pid          int             `json:"pid,omitempty"`
	RestartCount int             `json:"restartCount,omitempty"`
}

// supervisor owns the supervised process. Handlers record what should
// be true and poke the convergence loop; only the loop starts and stops
// the process.
type supervisor struct {
	log       *zap.Logger
	spec      *processSpec
	statePath string
	signal    chan struct{}
	grace     time.Duration
	resync    time.Duration

	lock           sync.Mutex
	current        *appliedState
	proc           *os.Process
	started        time.Time
	lastExit       string
	pendingRestart bool
	stopping       bool
	prevCPU        *cpuReading
}

func newSupervisor(logger *zap.Logger, spec *processSpec, statePath string, grace time.Duration) (*supervisor, error) {
	s := &supervisor{
		log:       logger.Named("supervisor"),
		spec:      spec,
		statePath: statePath,
		signal:    make(chan struct{}, 1),
		grace:     grace,
		resync:    time.Second * 5,
		current:   &appliedState{},
	}

	buf, err := os.ReadFile(statePath)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	if err := json.Unmarshal(buf, s.current); err != nil {
		return nil, fmt.Errorf("parsing state file: %w", err)
	}

	if s.current.Pid == 0 {
		return s, nil
	}

	// The process may have outlived the last agent. Adopt it if it's
	// still around - it isn't our child, so liveness is polled instead
	// of waited on. Pid reuse can fool this, like any pidfile.
	proc, err := os.FindProcess(s.current.Pid)
	if err == nil && proc.Signal(syscall.Signal(0)) == nil {
		s.proc = proc
		s.started = time.Now()
		s.log.Info("adopted running process", zap.Int("pid", s.current.Pid))
		return s, nil
	}

	s.current.Pid = 0
	if s.current.RunState == common.RunStateRunning {
		s.lastExit = "process died while the agent was down"
		s.current.RestartCount++
	}
	s.persist()
	return s, nil
}

// Run drives the process toward the applied state until ctx is
// canceled. Crashed processes are restarted on the resync pass rather
// than immediately, which spaces out crash loops.
func (s *supervisor) Run(ctx context.Context) {
	concurrency.RunLoop(ctx, s.signal, s.resync, time.Second*30, func() bool {
		if err := s.converge(); err != nil {
			s.log.Error("converging process state", zap.Error(err))
			return false
		}
		return true
	})
}

func (s *supervisor) poke() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *supervisor) converge() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	// Adopted processes have no watcher, so their death is noticed here.
	// Our own children are reaped by watch before this sees them.
	if s.proc != nil && !s.alive() {
		s.recordExit("process exited")
	}

	restart := s.pendingRestart
	s.pendingRestart = false

	if restart && s.proc != nil && s.current.RunState == common.RunStateRunning {
		if err := s.stop(); err != nil {
			s.pendingRestart = true
			return err
		}
	}

	switch {
	case s.current.RunState == common.RunStateRunning && s.proc == nil:
		return s.start()
	case s.current.RunState != common.RunStateRunning && s.proc != nil:
		return s.stop()
	}
	return nil
}

// ApplyConfiguration stages a configuration payload. Re-applying the
// current generation is a no-op so coordinator retries are free. A
// running process is restarted to pick up the new payload; a stopped
// one gets it at the next start.
func (s *supervisor) ApplyConfiguration(generation int64, payload map[string]any) (*common.ValidationResult, error) {
	if generation <= 0 {
		return nil, errBadGeneration
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if generation == s.current.Generation {
		return nil, nil
	}

	res := validate.Validate(payload)
	if !res.Accepted {
		return &res, nil
	}

	buf, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding configuration: %w", err)
	}
	if err := os.WriteFile(s.spec.ConfigFile, buf, 0600); err != nil {
		return nil, fmt.Errorf("writing config file: %w", err)
	}

	s.current.Generation = generation
	s.current.Payload = payload
	if s.current.RunState == common.RunStateRunning {
		s.pendingRestart = true
	}
	s.persist()
	s.poke()

	s.log.Info("applied configuration", zap.Int64("generation", generation))
	return nil, nil
}

// SetRunState records the desired run state. Setting the state it's
// already in is a no-op unless restart is also set.
func (s *supervisor) SetRunState(desired common.RunState, restart bool) error {
	if desired != common.RunStateRunning && desired != common.RunStateStopped {
		return fmt.Errorf("%w %q", errBadRunState, desired)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if desired == common.RunStateRunning && s.current.Generation == 0 {
		return errNoConfig
	}

	s.current.RunState = desired
	if restart {
		s.pendingRestart = true
	}
	s.persist()
	s.poke()
	return nil
}

// Sample reports the current health of the node and its process. CPU
// utilization covers the interval since the previous sample, so the
// first one after startup reads 0.
func (s *supervisor) Sample() *common.HealthSample {
	s.lock.Lock()
	defer s.lock.Unlock()

	cur := readCPUStats()
	sample := &common.HealthSample{
		Timestamp:     time.Now().UTC(),
		RunState:      common.RunStateStopped,
		Generation:    s.current.Generation,
		CPUPercent:    cpuPercent(s.prevCPU, cur),
		MemoryPercent: memoryPercent(),
		RestartCount:  s.current.RestartCount,
	}
	s.prevCPU = cur

	if s.alive() {
		sample.RunState = common.RunStateRunning
		sample.UptimeSeconds = int64(time.Since(s.started).Seconds())
	} else if s.current.RunState == common.RunStateRunning {
		sample.Error = s.lastExit
		if sample.Error == "" {
			sample.Error = "process is not running"
		}
	}
	return sample
}

// Logs returns a reader over a bounded section of the process log plus
// the cursor for the next call. offset resumes from a previous cursor,
// tail clips to the last N bytes, neither means the whole file. An
// offset past the end of the file means it was truncated or rotated,
// so reading starts over.
func (s *supervisor) Logs(offset, tail string) (io.ReadCloser, string, error) {
	file, err := os.Open(s.spec.LogFile)
	if errors.Is(err, os.ErrNotExist) {
		return io.NopCloser(strings.NewReader("")), "0", nil
	}
	if err != nil {
		return nil, "", err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, "", err
	}
	size := info.Size()

	var start int64
	switch {
	case offset != "":
		parsed, err := strconv.ParseInt(offset, 10, 64)
		if err != nil || parsed < 0 {
			file.Close()
			return nil, "", errBadCursor
		}
		if parsed <= size {
			start = parsed
		}
	case tail != "":
		parsed, err := strconv.ParseInt(tail, 10, 64)
		if err != nil || parsed < 0 {
			file.Close()
			return nil, "", errBadCursor
		}
		if parsed < size {
			start = size - parsed
		}
	}

	if _, err := file.Seek(start, io.SeekStart); err != nil {
		file.Close()
		return nil, "", err
	}
	return &logSection{Reader: io.LimitReader(file, size-start), file: file}, strconv.FormatInt(size, 10), nil
}

// logSection bounds the read to the log's size at open time - the
// process keeps appending and we don't want to chase it.
type logSection struct {
	io.Reader
	file *os.File
}

func (l *logSection) Close() error { return l.file.Close() }

// callers hold s.lock
func (s *supervisor) start() error {
	logf, err := os.OpenFile(s.spec.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logf.Close() // the child keeps its own descriptor

	cmd := exec.Command(s.spec.Command[0], s.spec.Command[1:]...)
	cmd.Dir = s.spec.Dir
	cmd.Stdout = logf
	cmd.Stderr = logf
	cmd.Env = os.Environ()
	for key, val := range s.spec.Env {
		cmd.Env = append(cmd.Env, key+"="+val)
	}
	cmd.Env = append(cmd.Env,
		"ENSEMBLE_CONFIG_FILE="+s.spec.ConfigFile,
		fmt.Sprintf("ENSEMBLE_GENERATION=%d", s.current.Generation))

	if err := cmd.Start(); err != nil {
		s.lastExit = "starting process: " + err.Error()
		return fmt.Errorf("starting process: %w", err)
	}

	s.proc = cmd.Process
	s.started = time.Now()
	s.lastExit = ""
	s.current.Pid = cmd.Process.Pid
	s.persist()
	go s.watch(cmd)

	s.log.Info("started process", zap.Int("pid", cmd.Process.Pid), zap.Int64("generation", s.current.Generation))
	return nil
}

// stop terminates the process, escalating from SIGTERM to SIGKILL
// after the grace period. callers hold s.lock.
func (s *supervisor) stop() error {
	if s.proc == nil {
		return nil
	}
	pid := s.proc.Pid
	s.stopping = true
	defer func() { s.stopping = false }()

	s.log.Info("stopping process", zap.Int("pid", pid))
	if err := s.proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signaling process: %w", err)
	}
	if !s.awaitExit(s.grace) {
		s.log.Warn("process ignored SIGTERM - killing it", zap.Int("pid", pid))
		if err := s.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("killing process: %w", err)
		}
		if !s.awaitExit(s.grace) {
			return fmt.Errorf("process %d did not exit", pid)
		}
	}

	s.proc = nil
	s.current.Pid = 0
	s.lastExit = ""
	s.persist()
	s.log.Info("process stopped")
	return nil
}

func (s *supervisor) awaitExit(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !s.alive() {
			return true
		}
		time.Sleep(time.Millisecond * 25)
	}
	return !s.alive()
}

// watch reaps the child when it exits. Intentional stops are handled
// synchronously by stop, so anything left to record here is a crash.
func (s *supervisor) watch(cmd *exec.Cmd) {
	err := cmd.Wait()

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.stopping || s.proc == nil || s.proc.Pid != cmd.Process.Pid {
		return // stopped on purpose, or a newer process has taken over
	}

	cause := "exited with status 0"
	if err != nil {
		cause = err.Error()
	}
	s.recordExit(cause)
}

// callers hold s.lock
func (s *supervisor) recordExit(cause string) {
	s.proc = nil
	s.current.Pid = 0
	if s.current.RunState == common.RunStateRunning {
		s.lastExit = cause
		s.current.RestartCount++
		s.log.Warn("process exited unexpectedly", zap.String("cause", cause))
	} else {
		s.log.Info("process exited")
	}
	s.persist()
}

// callers hold s.lock
func (s *supervisor) alive() bool {
	return s.proc != nil && s.proc.Signal(syscall.Signal(0)) == nil
}

// callers hold s.lock
func (s *supervisor) persist() {
	buf, err := json.Marshal(s.current)
	if err == nil {
		err = os.WriteFile(s.statePath, buf, 0600)
	}
	if err != nil {
		s.log.Error("unable to persist applied state", zap.Error(err))
	}
}
