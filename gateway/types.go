package gateway

import "github.com/dshills/nodegraph-go/graph"

// ExecuteRequest is the body of POST /v1/execute.
type ExecuteRequest struct {
	GraphName string         `json:"graphName"`
	Variables map[string]any `json:"variables"`
}

// ExecuteResponse reports a finished run. Run failures are reported with
// Success false and a 200 status; State then holds the partial state.
type ExecuteResponse struct {
	ExecutionID string       `json:"executionId"`
	Success     bool         `json:"success"`
	Status      string       `json:"status"`
	Result      any          `json:"result,omitempty"`
	State       *graph.State `json:"state,omitempty"`
	Error       string       `json:"error,omitempty"`
	Steps       int          `json:"steps"`
	DurationMS  int64        `json:"durationMs"`
}

// ErrorResponse is returned for rejected requests.
type ErrorResponse struct {
	Error string `json:"error"`
}

func newExecuteResponse(res *graph.RunResult, err error) ExecuteResponse {
	resp := ExecuteResponse{
		ExecutionID: res.RunID,
		Success:     err == nil && res.Succeeded(),
		Status:      string(res.Status),
		Result:      res.Result,
		State:       res.State,
		Steps:       res.Steps,
		DurationMS:  res.Duration.Milliseconds(),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}
