// Package events defines the closed set of event kinds the server emits and
// the bus that fans them out to the websocket hub.
package events

import "time"

// Kind names one wire-level event type. The set is closed: every value the
// hub will ever serialise is enumerated here.
type Kind string

const (
	// Connection lifecycle
	KindConnected Kind = "connected"
	KindPing      Kind = "ping"
	KindPong      Kind = "pong"
	KindShutdown  Kind = "shutdown"

	// System
	KindUsageUpdated Kind = "usage-updated"

	// Security
	KindSecurityIPBlocked   Kind = "security-ip-blocked"
	KindSecurityAlert       Kind = "security-alert"
	KindGlobalLockdown      Kind = "global-lockdown"
	KindSecurityLoginFailed Kind = "security-login-failed"

	// Injection
	KindInjectionStarted Kind = "injection-started"
	KindInjectionSuccess Kind = "injection-success"
	KindInjectionFailed  Kind = "injection-failed"
	KindInjectionError   Kind = "injection-error"
	KindMessageInjected  Kind = "message-injected"

	// Assistant control plane
	KindSessionSwitched        Kind = "cdp-session-switched"
	KindPermissionResponded    Kind = "cdp-permission-responded"
	KindQuestionAnswered       Kind = "cdp-question-answered"
	KindConnectionsDetected    Kind = "cdp-connections-detected"
	KindConnectionCountChanged Kind = "cdp-connection-count-changed"
	KindSessionStatusChanged   Kind = "cdp-session-status-changed"
	KindPermissionPending      Kind = "cdp-permission-pending"
	KindQuestionPending        Kind = "cdp-question-pending"

	// Orchestrator
	KindOrchestratorCreated              Kind = "orchestrator:created"
	KindOrchestratorStarted              Kind = "orchestrator:started"
	KindOrchestratorAnalysisStarted      Kind = "orchestrator:analysis-started"
	KindOrchestratorAnalysisComplete     Kind = "orchestrator:analysis-complete"
	KindOrchestratorPlanningStarted      Kind = "orchestrator:planning-started"
	KindOrchestratorTasksPlanned         Kind = "orchestrator:tasks-planned"
	KindOrchestratorAwaitingConfirmation Kind = "orchestrator:awaiting-confirmation"
	KindOrchestratorConfirmed            Kind = "orchestrator:confirmed"
	KindOrchestratorSpawning             Kind = "orchestrator:spawning"
	KindOrchestratorRunning              Kind = "orchestrator:running"
	KindOrchestratorAggregating          Kind = "orchestrator:aggregating"
	KindOrchestratorAggregationComplete  Kind = "orchestrator:aggregation-complete"
	KindOrchestratorVerifying            Kind = "orchestrator:verifying"
	KindOrchestratorVerificationComplete Kind = "orchestrator:verification-complete"
	KindOrchestratorCompleted            Kind = "orchestrator:completed"
	KindOrchestratorError                Kind = "orchestrator:error"
	KindOrchestratorCancelled            Kind = "orchestrator:cancelled"
	KindOrchestratorPaused               Kind = "orchestrator:paused"
	KindOrchestratorResumed              Kind = "orchestrator:resumed"

	// Workers
	KindWorkerSpawned   Kind = "worker:spawned"
	KindWorkerStarted   Kind = "worker:started"
	KindWorkerProgress  Kind = "worker:progress"
	KindWorkerCompleted Kind = "worker:completed"
	KindWorkerFailed    Kind = "worker:failed"
	KindWorkerTimeout   Kind = "worker:timeout"
	KindWorkerRetried   Kind = "worker:retried"
	KindWorkerCancelled Kind = "worker:cancelled"

	// Sub-sessions
	KindSubsessionLinked        Kind = "subsession:linked"
	KindSubsessionStatusChanged Kind = "subsession:status-changed"
	KindSubsessionCompleting    Kind = "subsession:completing"
	KindSubsessionCompleted     Kind = "subsession:completed"
	KindSubsessionReturned      Kind = "subsession:returned"
	KindSubsessionOrphaned      Kind = "subsession:orphaned"
)

// securityKinds are the only events delivered to hub clients that never
// presented a valid token.
var securityKinds = map[Kind]struct{}{
	KindSecurityIPBlocked:   {},
	KindSecurityAlert:       {},
	KindGlobalLockdown:      {},
	KindSecurityLoginFailed: {},
	KindShutdown:            {},
}

// IsSecurity reports whether k may be sent to unauthenticated clients.
func IsSecurity(k Kind) bool {
	_, ok := securityKinds[k]
	return ok
}

// Event is one broadcastable occurrence. Payload keys are merged into the
// wire object next to "type" and "timestamp".
type Event struct {
	Type      Kind                   `json:"type"`
	Payload   map[string]interface{} `json:"-"`
	Timestamp time.Time              `json:"timestamp"`
}

// New builds an event stamped with the current time.
func New(kind Kind, payload map[string]interface{}) Event {
	return Event{Type: kind, Payload: payload, Timestamp: time.Now().UTC()}
}

// WireForm flattens the event into the JSON object the hub serialises.
func (e Event) WireForm() map[string]interface{} {
	out := make(map[string]interface{}, len(e.Payload)+2)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["type"] = string(e.Type)
	out["timestamp"] = e.Timestamp.Format(time.RFC3339)
	return out
}
