package modclient

import (
	"errors"
	"fmt"
	"strings"
)

// Error is the unified error interface for module invocation failures. Every
// failure is fatal to the current stage; the client never retries.
type Error interface {
	error
	Stage() string
	Endpoint() string
}

type errBase struct {
	stage    string
	endpoint string
}

func (e errBase) Stage() string    { return e.stage }
func (e errBase) Endpoint() string { return e.endpoint }

// NetworkError wraps transport failures (connection refused, DNS, reset).
type NetworkError struct {
	errBase
	Cause error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("module %s: network error calling %s: %v", e.stage, e.endpoint, e.Cause)
}
func (e *NetworkError) Unwrap() error { return e.Cause }

// TimeoutError reports that the per-request deadline elapsed.
type TimeoutError struct {
	errBase
	TimeoutMS int64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("module %s: timed out after %dms calling %s", e.stage, e.TimeoutMS, e.endpoint)
}

// HTTPError reports a non-2xx response.
type HTTPError struct {
	errBase
	Status      int
	BodySnippet string
}

func (e *HTTPError) Error() string {
	msg := strings.TrimSpace(e.BodySnippet)
	if msg == "" {
		msg = "no response body"
	}
	return fmt.Sprintf("module %s: HTTP %d from %s: %s", e.stage, e.Status, e.endpoint, msg)
}

// SchemaError reports a response that failed strict envelope or output
// validation. There is no coercion: the module contract is the contract.
type SchemaError struct {
	errBase
	Issue string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("module %s: schema violation from %s: %s", e.stage, e.endpoint, e.Issue)
}

func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

func IsSchemaError(err error) bool {
	var e *SchemaError
	return errors.As(err, &e)
}
