// Package envelope reconciles the response shapes delegate targets have
// produced over the years into one stable contract. Callers never see a raw
// delegate body: every outcome, including garbage, normalizes cleanly.
package envelope

import (
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Version tags every normalized outcome.
const Version = "store.v1"

// Modes of a normalized outcome.
const (
	ModeCreated = "created"
	ModeFailed  = "failed"
)

// StatusNonJSON is the sentinel status for bodies that could not be parsed.
const StatusNonJSON = "non-json"

// maxBodyChars bounds the failure message carried back to the caller.
const maxBodyChars = 600

// Outcome is the single shape every delegate result normalizes into. OK
// reports that normalization itself succeeded, not that the delegate stored
// anything; Stored and Mode carry the delegate result.
type Outcome struct {
	OK         bool   `json:"ok"`
	Stored     bool   `json:"stored"`
	ID         any    `json:"id"`
	Mode       string `json:"mode"`
	TargetUsed string `json:"target_used"`
	Status     any    `json:"status,omitempty"`
	Body       string `json:"body,omitempty"`
	Version    string `json:"version"`
}

// failureFields is the ordered list of payload fields a failure message is
// taken from.
var failureFields = []string{"wp_body", "body", "message", "error"}

// NormalizeMap normalizes a structured payload, the shape legacy delegate
// code paths hand back directly.
func NormalizeMap(requestedTarget string, payload map[string]any) *Outcome {
	if payload == nil {
		return noResponse(requestedTarget)
	}

	out := &Outcome{
		OK:         true,
		TargetUsed: pickTarget(requestedTarget, payload),
		Version:    Version,
	}

	status := coerceStatus(payload["status"])
	out.Status = status

	if code, ok := statusCode(status); ok && code >= 200 && code < 300 {
		out.Stored = true
		out.Mode = ModeCreated
		// A missing id is null, never a failure.
		out.ID = payload["id"]
		return out
	}

	out.Mode = ModeFailed
	out.Body = failureMessage(payload)
	return out
}

// NormalizeHTTP normalizes an HTTP response from a delegate target. The body
// may or may not be JSON; a parse failure yields the sentinel status rather
// than an error.
func NormalizeHTTP(requestedTarget string, statusCode int, body []byte) *Outcome {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		out := &Outcome{
			OK:         true,
			TargetUsed: requestedTarget,
			Status:     StatusNonJSON,
			Version:    Version,
		}
		if statusCode >= 200 && statusCode < 300 {
			out.Stored = true
			out.Mode = ModeCreated
			return out
		}
		out.Mode = ModeFailed
		out.Body = truncate(string(body))
		return out
	}

	if _, present := payload["status"]; !present {
		payload["status"] = statusCode
	}
	return NormalizeMap(requestedTarget, payload)
}

func noResponse(requestedTarget string) *Outcome {
	return &Outcome{
		OK:         true,
		Mode:       ModeFailed,
		TargetUsed: requestedTarget,
		Body:       "no response from delegate",
		Version:    Version,
	}
}

// pickTarget prefers the payload's own target label unless it is a full URL,
// which means nothing to the caller; then the requested target wins.
func pickTarget(requestedTarget string, payload map[string]any) string {
	for _, field := range []string{"target_used", "target"} {
		if v, ok := payload[field].(string); ok && v != "" {
			if strings.Contains(v, "://") {
				return requestedTarget
			}
			return v
		}
	}
	return requestedTarget
}

// coerceStatus turns a numeric-looking string status into an int and passes
// everything else through. JSON numbers arrive as float64.
func coerceStatus(v any) any {
	switch s := v.(type) {
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return n
		}
		return s
	case float64:
		return int(s)
	default:
		return v
	}
}

func statusCode(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func failureMessage(payload map[string]any) string {
	for _, field := range failureFields {
		v, ok := payload[field]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			if s != "" {
				return truncate(s)
			}
			continue
		}
		if raw, err := json.Marshal(v); err == nil {
			return truncate(string(raw))
		}
	}
	return ""
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxBodyChars {
		return s
	}
	return string(r[:maxBodyChars])
}
