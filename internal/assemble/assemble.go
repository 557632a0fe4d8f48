// Package assemble merges request/response metadata, PII-detection
// metadata, and evidence-store references into the canonical payload shape
// consumed by the hash-chain audit logger.
//
// Assembly is a pure merge: no network, no disk, no state. The only
// failure mode is a malformed input, reported as a ValidationError.
package assemble

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/traceproof/traceproof/internal/evidence"
	"github.com/traceproof/traceproof/internal/trace"
)

// ErrInvalidPayload is the sentinel wrapped by every ValidationError.
var ErrInvalidPayload = errors.New("invalid audit payload")

// ValidationError reports which field of the payload was malformed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid audit payload: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidPayload }

// Request carries the request-side metadata of one interaction. The body
// itself is never stored — only its hash. PIIDetection is the collaborator
// metadata embedded verbatim.
type Request struct {
	Method       string `json:"method"`
	Model        string `json:"model,omitempty"`
	BodyHash     string `json:"body_hash"`
	PIIDetection any    `json:"pii_detection,omitempty"`
}

// Response carries the response-side metadata: status code, content hash,
// and usage metrics.
type Response struct {
	Status      int    `json:"status"`
	ContentHash string `json:"content_hash"`
	Tokens      int    `json:"tokens,omitempty"`
}

// Payload is the assembled unit handed to the audit logger. The logger
// adds the timestamp and integrity block when appending.
type Payload struct {
	TraceID  string           `json:"id"`
	Request  Request          `json:"request"`
	Response Response         `json:"response"`
	Evidence *evidence.Record `json:"evidence,omitempty"`
}

// Build validates the inputs and merges them into a Payload. The evidence
// record is optional — nil means the interaction had no attachment.
func Build(traceID string, req Request, resp Response, ev *evidence.Record) (Payload, error) {
	if !trace.Valid(traceID) {
		return Payload{}, &ValidationError{Field: "id", Reason: "not a <uuid>:<ISO8601Z> trace identifier"}
	}
	if req.Method == "" {
		return Payload{}, &ValidationError{Field: "request.method", Reason: "required"}
	}
	if err := checkHexHash("request.body_hash", req.BodyHash); err != nil {
		return Payload{}, err
	}
	if resp.Status == 0 {
		return Payload{}, &ValidationError{Field: "response.status", Reason: "required"}
	}
	if err := checkHexHash("response.content_hash", resp.ContentHash); err != nil {
		return Payload{}, err
	}
	if ev != nil {
		if err := checkHexHash("evidence.content_hash", ev.ContentHash); err != nil {
			return Payload{}, err
		}
		if ev.StoragePath == "" {
			return Payload{}, &ValidationError{Field: "evidence.storage_path", Reason: "required"}
		}
	}

	return Payload{
		TraceID:  traceID,
		Request:  req,
		Response: resp,
		Evidence: ev,
	}, nil
}

// HashBody returns the hex SHA-256 of a request or response body. Callers
// hash content before assembly so plaintext never reaches the audit trail.
func HashBody(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func checkHexHash(field, v string) error {
	if v == "" {
		return &ValidationError{Field: field, Reason: "required"}
	}
	if len(v) != 64 {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("want 64 hex chars, got %d", len(v))}
	}
	if _, err := hex.DecodeString(v); err != nil {
		return &ValidationError{Field: field, Reason: "not hexadecimal"}
	}
	return nil
}
