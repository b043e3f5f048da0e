package common

import "time"

type RunState string

const (
	RunStateRunning RunState = "running"
	RunStateStopped RunState = "stopped"
)

type HealthClass string

const (
	HealthHealthy     HealthClass = "healthy"
	HealthDegraded    HealthClass = "degraded"
	HealthUnreachable HealthClass = "unreachable"
)

type AttemptState string

const (
	AttemptPending        AttemptState = "pending"
	AttemptInProgress     AttemptState = "in_progress"
	AttemptSucceeded      AttemptState = "succeeded"
	AttemptRetryScheduled AttemptState = "retry_scheduled"
	AttemptFailed         AttemptState = "failed"
)

// Node is one supervised remote unit. Desired is written only by
// accepted operator actions, Observed only from remote responses, and
// Attempt only by the reconciliation engine.
type Node struct {
	ID           string         `json:"id"`
	Connection   ConnectionMeta `json:"connection"`
	Desired      DesiredState   `json:"desired"`
	Observed     ObservedState  `json:"observed"`
	Attempt      *Attempt       `json:"attempt,omitempty"`
	Seq          uint64         `json:"seq"` // registration order
	RegisteredAt time.Time      `json:"registeredAt"`
}

type ConnectionMeta struct {
	Address       string `json:"address"`     // host:port of the node's agent API
	Fingerprint   string `json:"fingerprint"` // the agent cert's sha256 fingerprint
	CredentialRef string `json:"credentialRef,omitempty"`
}

type DesiredState struct {
	Generation int64    `json:"generation"` // 0 until the first configuration push
	RunState   RunState `json:"runState"`
}

type ObservedState struct {
	RunState       RunState      `json:"runState"`
	Generation     int64         `json:"generation"`
	LastSample     *HealthSample `json:"lastSample,omitempty"`
	LastReconciled time.Time     `json:"lastReconciled,omitempty"`
	Failures       int           `json:"failures"` // consecutive failed reconcile executions
}

// Generation is an immutable configuration snapshot. Rollback re-targets
// an older ID rather than mutating history.
type Generation struct {
	NodeID     string           `json:"nodeId"`
	ID         int64            `json:"id"`
	Payload    map[string]any   `json:"payload"`
	Validation ValidationResult `json:"validation"`
	CreatedAt  time.Time        `json:"createdAt"`
}

type ValidationResult struct {
	Accepted bool              `json:"accepted"`
	Errors   []ValidationError `json:"errors,omitempty"`
}

type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

type HealthSample struct {
	Timestamp     time.Time `json:"timestamp"`
	RunState      RunState  `json:"runState"`
	Generation    int64     `json:"generation"`
	CPUPercent    float64   `json:"cpuPercent"`
	MemoryPercent float64   `json:"memoryPercent"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
	RestartCount  int       `json:"restartCount"`
	Error         string    `json:"error,omitempty"` // non-empty when the supervised process is misbehaving
}

// Attempt drives one node toward a snapshot of its desired state. A
// newer operator action replaces the node's attempt; a worker holding a
// stale attempt ID discards its result instead of recording it.
type Attempt struct {
	ID        string       `json:"id"`
	NodeID    string       `json:"nodeId"`
	State     AttemptState `json:"state"`
	Target    DesiredState `json:"target"`
	Restart   bool         `json:"restart,omitempty"`
	Attempts  int          `json:"attempts"`
	NextRetry time.Time    `json:"nextRetry,omitempty"`
	Detail    string       `json:"detail,omitempty"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

type NodeStatus struct {
	Node   *Node       `json:"node"`
	Health HealthClass `json:"health"`
}

// HealthTransition is published when a node's classification changes.
type HealthTransition struct {
	NodeID    string      `json:"nodeId"`
	From      HealthClass `json:"from,omitempty"`
	To        HealthClass `json:"to"`
	Timestamp time.Time   `json:"timestamp"`
}

type FleetStatus struct {
	Nodes []*NodeStatus `json:"nodes"`
}

type AuditEntry struct {
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type LoginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type RegisterNodeRequest struct {
	ID            string `json:"id"`
	Address       string `json:"address"`
	Fingerprint   string `json:"fingerprint"`
	CredentialRef string `json:"credentialRef,omitempty"`
}

// ConfigurationRequest carries either a new payload or the ID of an
// existing generation to re-target (rollback) - never both.
type ConfigurationRequest struct {
	Payload    map[string]any `json:"payload,omitempty"`
	Generation int64          `json:"generation,omitempty"`
}

type ConfigurationResponse struct {
	Generation int64  `json:"generation"`
	Attempt    string `json:"attempt"`
}

type RunStateRequest struct {
	Desired RunState `json:"desired"`
	Restart bool     `json:"restart,omitempty"`
}

type RunStateResponse struct {
	Attempt string `json:"attempt"`
}

// FleetOpResponse reports a bulk operation that decomposed into per-node
// attempts. Nodes that failed synchronously land in Errors; their
// failure never blocks the others.
type FleetOpResponse struct {
	Attempts map[string]string `json:"attempts"`
	Errors   map[string]string `json:"errors,omitempty"`
}

type ErrorResponse struct {
	Error      string            `json:"error"`
	Validation *ValidationResult `json:"validation,omitempty"`
}

// ApplyConfigRequest is the coordinator->agent configuration handoff.
type ApplyConfigRequest struct {
	Generation int64          `json:"generation"`
	Payload    map[string]any `json:"payload"`
}

type ApplyConfigResponse struct {
	Generation int64 `json:"generation"`
}
