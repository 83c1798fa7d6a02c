// Package dispatch issues the outbound call that hands an execution to
// a worker. It does not wait for completion; that arrives later as a
// callback.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"execflow/internal/domain"
)

// Outcome classifies a dispatch call.
type Outcome int

const (
	// Acknowledged: the worker accepted the request (2xx).
	Acknowledged Outcome = iota
	// Rejected: non-retryable validation failure (4xx or no route).
	Rejected
	// Transient: timeout, connection error, or 5xx; retryable.
	Transient
)

func (o Outcome) String() string {
	switch o {
	case Acknowledged:
		return "acknowledged"
	case Rejected:
		return "rejected"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

// Route is one workflow type's worker endpoint.
type Route struct {
	Endpoint string
}

// Payload is the wire shape of the dispatch call.
type Payload struct {
	ID              string          `json:"id"`
	Attempt         int             `json:"attempt"`
	WorkflowType    string          `json:"workflow_type"`
	Priority        int             `json:"priority"`
	Context         json.RawMessage `json:"context"`
	CallbackAddress string          `json:"callback_address"`
	DeadlineAt      string          `json:"deadline_at"`
}

// Dispatcher posts executions to per-type worker endpoints.
type Dispatcher struct {
	routes          map[string]Route
	client          *http.Client
	callbackAddress string
}

// New builds a Dispatcher. timeout bounds the dispatch call itself, not
// the worker's execution (that is deadline_at).
func New(routes map[string]Route, callbackAddress string, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		routes:          routes,
		client:          &http.Client{Timeout: timeout},
		callbackAddress: callbackAddress,
	}
}

// Dispatch issues the outbound call. The returned error carries detail
// for the failure record; the Outcome decides the transition.
func (d *Dispatcher) Dispatch(ctx context.Context, e domain.Execution) (Outcome, error) {
	route, ok := d.routes[e.WorkflowType]
	if !ok {
		return Rejected, fmt.Errorf("%w: %s", domain.ErrUnknownWorkflow, e.WorkflowType)
	}

	var deadline string
	if e.DeadlineAt != nil {
		deadline = e.DeadlineAt.UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(Payload{
		ID:              e.ID,
		Attempt:         e.AttemptCount,
		WorkflowType:    e.WorkflowType,
		Priority:        e.Priority,
		Context:         e.Context,
		CallbackAddress: d.callbackAddress,
		DeadlineAt:      deadline,
	})
	if err != nil {
		return Rejected, fmt.Errorf("marshal dispatch payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, route.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Rejected, fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return Transient, fmt.Errorf("dispatch %s: %w", e.WorkflowType, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Acknowledged, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Rejected, fmt.Errorf("worker rejected dispatch: HTTP %d: %s", resp.StatusCode, detail)
	default:
		return Transient, fmt.Errorf("worker unavailable: HTTP %d", resp.StatusCode)
	}
}

// FailureKind maps an outcome to the error taxonomy.
func (o Outcome) FailureKind() domain.FailureKind {
	if o == Rejected {
		return domain.FailureValidation
	}
	return domain.FailureTransientDispatch
}
