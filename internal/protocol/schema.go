package protocol

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"tripmesh/pkg"
)

// requiredFields lists, in check order, the payload fields each worker needs
var requiredFields = map[pkg.WorkerType][]string{
	pkg.WorkerForecast:  {"destination", "dates"},
	pkg.WorkerRouting:   {"origin", "destination"},
	pkg.WorkerCost:      {"destination", "dates", "travelers"},
	pkg.WorkerPlan:      {"destination", "dates"},
	pkg.WorkerSynthesis: {"outputs"},
}

// RequiredFields returns the fields a request to w must carry
func RequiredFields(w pkg.WorkerType) []string {
	return append([]string(nil), requiredFields[w]...)
}

// CheckPayload returns a *SchemaError for the first required field that is
// absent or zero-valued in payload.
func CheckPayload(w pkg.WorkerType, payload map[string]any) error {
	for _, field := range requiredFields[w] {
		if isZero(payload[field]) {
			return &SchemaError{Worker: w, Field: field}
		}
	}
	return nil
}

// CheckInput reports whether a typed payload carries every field its worker
// requires, without building a request.
func CheckInput(payload pkg.RequestPayload) error {
	if payload == nil {
		return fmt.Errorf("no input for worker")
	}
	m, err := EncodePayload(payload)
	if err != nil {
		return err
	}
	return CheckPayload(payload.Worker(), m)
}

func isZero(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	case float64:
		return t == 0
	case int:
		return t == 0
	case int64:
		return t == 0
	}
	return false
}

// EncodePayload converts a typed payload into the map carried on the wire
func EncodePayload(v any) (map[string]any, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	var out map[string]any
	if err := sonic.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return out, nil
}

// DecodePayload fills dst from a wire payload map
func DecodePayload(payload map[string]any, dst any) error {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if err := sonic.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}

// Encode serializes an envelope for publishing
func Encode(env *pkg.Envelope) ([]byte, error) {
	data, err := sonic.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Decode parses a published envelope
func Decode(data []byte) (*pkg.Envelope, error) {
	var env pkg.Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.Action == "" {
		return nil, fmt.Errorf("envelope has no action")
	}
	return &env, nil
}

// NewRequestID returns a unique request id
func NewRequestID() string {
	return uuid.NewString()
}

// NewSessionID returns a fresh session id of the form session_<12 hex>
func NewSessionID() string {
	return "session_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
