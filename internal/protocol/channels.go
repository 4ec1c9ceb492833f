package protocol

import "tripmesh/pkg"

// HealthChannel is shared by every worker type for heartbeats
const HealthChannel = "worker:health"

// RequestChannel is the static request channel of a worker type
func RequestChannel(w pkg.WorkerType) string {
	return "worker:" + string(w) + ":request"
}

// ResponseChannel is the session-scoped response channel of a worker type
func ResponseChannel(w pkg.WorkerType, sessionID string) string {
	return "worker:" + string(w) + ":response:" + sessionID
}

// StreamChannel carries progress notifications for a session
func StreamChannel(sessionID string) string {
	return "stream:" + sessionID
}

// CancelChannel carries cancel requests for a session
func CancelChannel(sessionID string) string {
	return "cancel:" + sessionID
}
