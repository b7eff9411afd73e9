package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/ringforge/internal/domain"
	"github.com/timmy/ringforge/internal/jobs"
	"github.com/timmy/ringforge/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type echoInput struct {
	service.Common
	Value   string `json:"value"`
	LLMName string `json:"llm_name"`
	Fail    bool   `json:"fail"`
}

func (e *echoInput) Summary() map[string]any { return map[string]any{"value": e.Value} }

// echoTask echoes its input; release gates execution when non-nil.
type echoTask struct {
	release chan struct{}
}

func (t *echoTask) Kind() string { return "echo" }

func (t *echoTask) Parse(raw []byte) (service.Input, error) {
	in := &echoInput{}
	if err := json.Unmarshal(raw, in); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if in.Value == "" {
		return nil, fmt.Errorf("%w: value is required", domain.ErrInvalidInput)
	}
	return in, nil
}

func (t *echoTask) Execute(ctx context.Context, input any, r domain.ProgressReporter) (any, error) {
	in := input.(*echoInput)
	r.Progress("Echoing", 50)
	if t.release != nil {
		select {
		case <-t.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	result := map[string]any{"echo": in.Value, "llm_name": in.LLMName}
	if in.Fail {
		r.Attempt(domain.RetryAttempt{AttemptNumber: 1, ErrorSummary: "face exists"})
		return result, fmt.Errorf("%w: 3 repairs used", domain.ErrBudgetExceeded)
	}
	return result, nil
}

func (t *echoTask) Schema() service.ToolSchema {
	return service.ToolSchema{Name: "echo", Description: "Echo the value."}
}

type testServer struct {
	engine  *gin.Engine
	manager *jobs.Manager
	task    *echoTask
}

func newTestServer(t *testing.T, start bool, opts jobs.Options, syncWait time.Duration, task *echoTask) *testServer {
	t.Helper()
	manager := jobs.NewManager(opts, task)
	t.Cleanup(manager.Stop)
	if task.release != nil {
		t.Cleanup(func() {
			select {
			case <-task.release:
			default:
				close(task.release)
			}
		})
	}
	if start {
		manager.Start(context.Background())
	}

	h := NewJobHandler(manager, task, syncWait)
	r := gin.New()
	r.POST("/run", h.Run)
	r.POST("/jobs", h.Submit)
	r.GET("/jobs/:id", h.Status)
	r.GET("/jobs/:id/result", h.Result)
	r.DELETE("/jobs/:id", h.Cancel)
	r.POST("/admin/cleanup", h.Cleanup)
	return &testServer{engine: r, manager: manager, task: task}
}

func (s *testServer) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func (s *testServer) waitStatus(t *testing.T, id string, want domain.JobStatus) map[string]any {
	t.Helper()
	var last map[string]any
	require.Eventually(t, func() bool {
		_, last = s.do(t, http.MethodGet, "/jobs/"+id+"/result", "")
		return last["status"] == string(want)
	}, 2*time.Second, 5*time.Millisecond)
	return last
}

func TestSubmitAndPollResult(t *testing.T) {
	s := newTestServer(t, true, jobs.Options{Kind: "echo", MaxConcurrentJobs: 2}, time.Second, &echoTask{})

	code, accepted := s.do(t, http.MethodPost, "/jobs", `{"value": "ring"}`)
	require.Equal(t, http.StatusOK, code)
	id := accepted["job_id"].(string)
	assert.NotEmpty(t, id)
	assert.Equal(t, "queued", accepted["status"])
	assert.Equal(t, "/jobs/"+id, accepted["status_url"])
	assert.Equal(t, "/jobs/"+id+"/result", accepted["result_url"])

	body := s.waitStatus(t, id, domain.JobStatusSucceeded)
	assert.Equal(t, "ring", body["result"].(map[string]any)["echo"])

	code, view := s.do(t, http.MethodGet, "/jobs/"+id, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, id, view["id"])
	assert.EqualValues(t, 100, view["progress"])
	assert.Equal(t, "ring", view["request_summary"].(map[string]any)["value"])
	assert.NotNil(t, view["finished_at"])
}

func TestSubmitUsesRequestIDAndRejectsDuplicates(t *testing.T) {
	s := newTestServer(t, false, jobs.Options{Kind: "echo"}, time.Second, &echoTask{})

	code, accepted := s.do(t, http.MethodPost, "/jobs", `{"value": "a", "request_id": "req-42"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "req-42", accepted["job_id"])

	code, body := s.do(t, http.MethodPost, "/jobs", `{"value": "b", "request_id": "req-42"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["error"], "req-42")
}

func TestSubmitQueueFull(t *testing.T) {
	s := newTestServer(t, false, jobs.Options{Kind: "echo", MaxQueueSize: 1}, time.Second, &echoTask{})

	code, _ := s.do(t, http.MethodPost, "/jobs", `{"value": "first"}`)
	require.Equal(t, http.StatusOK, code)

	code, body := s.do(t, http.MethodPost, "/jobs", `{"value": "second"}`)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Contains(t, body["error"], "queue is full")
}

func TestSubmitRejectsBadBodies(t *testing.T) {
	s := newTestServer(t, false, jobs.Options{Kind: "echo"}, time.Second, &echoTask{})

	code, _ := s.do(t, http.MethodPost, "/jobs", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := s.do(t, http.MethodPost, "/jobs", `{"value": ""}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Contains(t, body["error"], "value is required")
}

func TestUnknownJob(t *testing.T) {
	s := newTestServer(t, false, jobs.Options{Kind: "echo"}, time.Second, &echoTask{})

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/jobs/nope"},
		{http.MethodGet, "/jobs/nope/result"},
		{http.MethodDelete, "/jobs/nope"},
	} {
		code, _ := s.do(t, tc.method, tc.path, "")
		assert.Equal(t, http.StatusNotFound, code, tc.method+" "+tc.path)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	s := newTestServer(t, false, jobs.Options{Kind: "echo"}, time.Second, &echoTask{})

	_, accepted := s.do(t, http.MethodPost, "/jobs", `{"value": "x"}`)
	id := accepted["job_id"].(string)

	_, body := s.do(t, http.MethodGet, "/jobs/"+id+"/result", "")
	assert.Equal(t, map[string]any{"status": "queued", "progress": float64(0)}, body)

	code, cancel := s.do(t, http.MethodDelete, "/jobs/"+id, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, cancel["cancel_requested"])
	assert.Equal(t, true, cancel["cancel_honored"])
	assert.Equal(t, "cancelled", cancel["status"])

	_, body = s.do(t, http.MethodGet, "/jobs/"+id+"/result", "")
	assert.Equal(t, map[string]any{"status": "cancelled"}, body)

	// cancelling again is a no-op on a terminal job
	code, cancel = s.do(t, http.MethodDelete, "/jobs/"+id, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "cancelled", cancel["status"])
}

func TestCancelRunningJobIsRefused(t *testing.T) {
	task := &echoTask{release: make(chan struct{})}
	s := newTestServer(t, true, jobs.Options{Kind: "echo", MaxConcurrentJobs: 1}, time.Second, task)

	_, accepted := s.do(t, http.MethodPost, "/jobs", `{"value": "slow"}`)
	id := accepted["job_id"].(string)
	require.Eventually(t, func() bool {
		_, body := s.do(t, http.MethodGet, "/jobs/"+id+"/result", "")
		return body["status"] == "running" && body["detail"] == "Echoing"
	}, 2*time.Second, 5*time.Millisecond)

	code, cancel := s.do(t, http.MethodDelete, "/jobs/"+id, "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, true, cancel["cancel_requested"])
	assert.Equal(t, false, cancel["cancel_honored"])
	assert.Equal(t, "running", cancel["status"])

	close(task.release)
	s.waitStatus(t, id, domain.JobStatusSucceeded)
}

func TestFailedJobKeepsPartialResult(t *testing.T) {
	s := newTestServer(t, true, jobs.Options{Kind: "echo"}, time.Second, &echoTask{})

	_, accepted := s.do(t, http.MethodPost, "/jobs", `{"value": "bad", "fail": true}`)
	body := s.waitStatus(t, accepted["job_id"].(string), domain.JobStatusFailed)

	assert.Contains(t, body["error"], "retry budget exhausted")
	assert.Equal(t, domain.ErrorKindBudgetExceeded, body["error_kind"])
	assert.Equal(t, "bad", body["result"].(map[string]any)["echo"])
	assert.Len(t, body["retry_log"], 1)
}

func TestRunWrapsEnvelopeReply(t *testing.T) {
	s := newTestServer(t, true, jobs.Options{Kind: "echo"}, 2*time.Second, &echoTask{})

	code, body := s.do(t, http.MethodPost, "/run", `{"data": {"value": "wrapped"}, "meta": {"llm_name": "claude-x"}}`)
	require.Equal(t, http.StatusOK, code)
	result := body["result"].(map[string]any)
	assert.Equal(t, "wrapped", result["echo"])
	assert.Equal(t, "claude-x", result["llm_name"])

	code, body = s.do(t, http.MethodPost, "/run", `{"value": "plain"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "plain", body["echo"])
	assert.NotContains(t, body, "result")
}

func TestRunReportsFailure(t *testing.T) {
	s := newTestServer(t, true, jobs.Options{Kind: "echo"}, 2*time.Second, &echoTask{})

	code, body := s.do(t, http.MethodPost, "/run", `{"value": "bad", "fail": true}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, domain.ErrorKindBudgetExceeded, body["kind"])
	assert.NotEmpty(t, body["job_id"])
}

func TestRunTimeoutLeavesJobPollable(t *testing.T) {
	s := newTestServer(t, false, jobs.Options{Kind: "echo"}, 30*time.Millisecond, &echoTask{})

	code, body := s.do(t, http.MethodPost, "/run", `{"value": "late", "request_id": "slow-1"}`)
	require.Equal(t, http.StatusGatewayTimeout, code)
	assert.Equal(t, "slow-1", body["job_id"])
	assert.Equal(t, "/jobs/slow-1/result", body["result_url"])

	s.manager.Start(context.Background())
	s.waitStatus(t, "slow-1", domain.JobStatusSucceeded)
}

func TestManualCleanup(t *testing.T) {
	s := newTestServer(t, false, jobs.Options{Kind: "echo"}, time.Second, &echoTask{})

	code, body := s.do(t, http.MethodPost, "/admin/cleanup", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["removed"])
	assert.Contains(t, body, "stats")
}

func TestParseBody(t *testing.T) {
	testCases := []struct {
		name    string
		raw     string
		wrapped bool
		payload string
		wantErr bool
	}{
		{name: "plain", raw: `{"prompt": "a"}`, payload: `{"prompt": "a"}`},
		{name: "empty", raw: ``, payload: `{}`},
		{name: "envelope", raw: `{"data": {"prompt": "a"}, "meta": {}}`, wrapped: true, payload: `{"prompt":"a"}`},
		{name: "meta fills llm_name", raw: `{"data": {"prompt": "a"}, "meta": {"llm_name": "m"}}`, wrapped: true, payload: `{"llm_name":"m","prompt":"a"}`},
		{name: "data llm_name wins", raw: `{"data": {"llm_name": "d"}, "meta": {"llm_name": "m"}}`, wrapped: true, payload: `{"llm_name":"d"}`},
		{name: "scalar data is a field", raw: `{"data": "x"}`, payload: `{"data": "x"}`},
		{name: "array body", raw: `[1, 2]`, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			body, err := ParseBody([]byte(tc.raw))
			if tc.wantErr {
				require.ErrorIs(t, err, domain.ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wrapped, body.Wrapped)
			assert.JSONEq(t, tc.payload, string(body.Payload))
		})
	}
}
