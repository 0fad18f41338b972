package main

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/diffdeck/diffdeck/internal/server"
	"github.com/diffdeck/diffdeck/internal/session"
)

const stubSessionID = "rs-1-abc123"

// stubAPI fakes the daemon's HTTP surface so CLI commands can be tested
// without a real server or git.
type stubAPI struct {
	mu       sync.Mutex
	srv      *httptest.Server
	created  server.CreateSessionRequest
	createRC int
	createEr string
	result   server.SessionResultResponse
	sessions []session.Summary
	status   server.StatusResponse
}

func newStubAPI(t *testing.T) *stubAPI {
	t.Helper()

	a := &stubAPI{
		createRC: http.StatusCreated,
		result:   server.SessionResultResponse{Status: session.StatusInProgress},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		switch r.Method {
		case http.MethodPost:
			if err := json.NewDecoder(r.Body).Decode(&a.created); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			if a.createRC != http.StatusCreated {
				w.WriteHeader(a.createRC)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"error": map[string]string{"code": "git.not_repository", "message": a.createEr},
				})
				return
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(server.SessionCreateResponse{
				SessionID: stubSessionID,
				URL:       a.srv.URL + "/?session=" + stubSessionID,
			})
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(server.SessionListResponse{Sessions: a.sessions})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/sessions/"+stubSessionID+"/result", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(a.result)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(a.status)
	})

	a.srv = httptest.NewServer(mux)
	t.Cleanup(a.srv.Close)
	return a
}

// addr returns the host:port form commands take via --addr.
func (a *stubAPI) addr() string {
	return strings.TrimPrefix(a.srv.URL, "http://")
}

// port returns the stub's listen port for discovery-record tests.
func (a *stubAPI) port(t *testing.T) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(a.addr())
	if err != nil {
		t.Fatalf("bad stub addr %q: %v", a.addr(), err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("bad stub port %q: %v", portStr, err)
	}
	return port
}

func (a *stubAPI) setResult(res server.SessionResultResponse) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.result = res
}

func (a *stubAPI) setSessions(sums []session.Summary) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions = sums
}

func (a *stubAPI) setStatus(st server.StatusResponse) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = st
}

func (a *stubAPI) lastCreate() server.CreateSessionRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.created
}

func TestReviewNoWait(t *testing.T) {
	isolateHome(t)
	stub := newStubAPI(t)

	var stdout, stderr bytes.Buffer
	code := runReview([]string{"--addr", stub.addr(), "--no-wait", "--ref", "HEAD~1", "--title", "refactor"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit = %d, stderr = %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "Session "+stubSessionID+" created.") {
		t.Errorf("stdout = %q", stdout.String())
	}
	if !strings.Contains(stdout.String(), "Review at:") {
		t.Errorf("stdout = %q", stdout.String())
	}

	req := stub.lastCreate()
	if req.Ref != "HEAD~1" || req.Title != "refactor" {
		t.Errorf("create request = %+v", req)
	}
	if req.Dir == "" || !strings.HasPrefix(req.Dir, "/") {
		t.Errorf("Dir should be absolute, got %q", req.Dir)
	}
}

func TestReviewApprovedExitsZero(t *testing.T) {
	isolateHome(t)
	stub := newStubAPI(t)
	stub.setResult(server.SessionResultResponse{
		Status: session.StatusCompleted,
		Result: &session.Result{Decision: session.DecisionApproved, Summary: "ship it"},
	})

	var stdout, stderr bytes.Buffer
	code := runReview([]string{"--addr", stub.addr(), "--json"}, &stdout, &stderr)
	if code != exitApproved {
		t.Fatalf("exit = %d, want %d, stderr = %s", code, exitApproved, stderr.String())
	}

	var out reviewOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON: %v\nraw: %s", err, stdout.String())
	}
	if out.SessionID != stubSessionID {
		t.Errorf("SessionID = %q", out.SessionID)
	}
	if out.Result == nil || out.Result.Decision != session.DecisionApproved {
		t.Errorf("Result = %+v", out.Result)
	}
	if out.Result.Summary != "ship it" {
		t.Errorf("Summary = %q", out.Result.Summary)
	}
}

func TestReviewChangesRequestedExitsTwo(t *testing.T) {
	isolateHome(t)
	stub := newStubAPI(t)
	stub.setResult(server.SessionResultResponse{
		Status: session.StatusCompleted,
		Result: &session.Result{
			Decision: session.DecisionChangesRequested,
			Comments: []session.Comment{{File: "main.go", Line: 12, Severity: "issue", Body: "off by one"}},
		},
	})

	var stdout, stderr bytes.Buffer
	code := runReview([]string{"--addr", stub.addr()}, &stdout, &stderr)
	if code != exitChangesRequested {
		t.Fatalf("exit = %d, want %d", code, exitChangesRequested)
	}
	if !strings.Contains(stdout.String(), "Verdict: changes_requested") {
		t.Errorf("stdout = %q", stdout.String())
	}
	if !strings.Contains(stdout.String(), "main.go:12 [issue] off by one") {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestReviewDismissedExitsThree(t *testing.T) {
	isolateHome(t)
	stub := newStubAPI(t)
	stub.setResult(server.SessionResultResponse{
		Status: session.StatusCompleted,
		Result: &session.Result{Decision: session.DecisionDismissed},
	})

	var stdout, stderr bytes.Buffer
	code := runReview([]string{"--addr", stub.addr()}, &stdout, &stderr)
	if code != exitDismissed {
		t.Fatalf("exit = %d, want %d", code, exitDismissed)
	}
}

func TestReviewFaultExitsOne(t *testing.T) {
	isolateHome(t)
	stub := newStubAPI(t)
	stub.setResult(server.SessionResultResponse{
		Status: session.StatusInProgress,
		Error:  &session.Fault{Code: "session.client_disconnected", Message: "client disconnected before verdict"},
	})

	var stdout, stderr bytes.Buffer
	code := runReview([]string{"--addr", stub.addr()}, &stdout, &stderr)
	if code != exitError {
		t.Fatalf("exit = %d, want %d", code, exitError)
	}
	if !strings.Contains(stdout.String(), "Review failed:") {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestReviewCreateErrorSurfaced(t *testing.T) {
	isolateHome(t)
	stub := newStubAPI(t)
	stub.mu.Lock()
	stub.createRC = http.StatusNotFound
	stub.createEr = "not a git repository: /tmp/nowhere"
	stub.mu.Unlock()

	var stdout, stderr bytes.Buffer
	code := runReview([]string{"--addr", stub.addr()}, &stdout, &stderr)
	if code != exitError {
		t.Fatalf("exit = %d, want %d", code, exitError)
	}
	if !strings.Contains(stderr.String(), "not a git repository") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestReviewTimeout(t *testing.T) {
	isolateHome(t)
	stub := newStubAPI(t)
	// Result never completes; the wait bound has to fire.

	var stdout, stderr bytes.Buffer
	code := runReview([]string{"--addr", stub.addr(), "--timeout", "50ms"}, &stdout, &stderr)
	if code != exitError {
		t.Fatalf("exit = %d, want %d", code, exitError)
	}
	if !strings.Contains(stderr.String(), "no verdict received") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestExitCodeForDecision(t *testing.T) {
	cases := []struct {
		decision session.Decision
		want     int
	}{
		{session.DecisionApproved, exitApproved},
		{session.DecisionApprovedWithComments, exitApproved},
		{session.DecisionChangesRequested, exitChangesRequested},
		{session.DecisionDismissed, exitDismissed},
		{session.Decision("bogus"), exitError},
	}
	for _, tc := range cases {
		got := exitCodeForDecision(&session.Result{Decision: tc.decision})
		if got != tc.want {
			t.Errorf("exitCodeForDecision(%s) = %d, want %d", tc.decision, got, tc.want)
		}
	}
	if exitCodeForDecision(nil) != exitError {
		t.Error("nil result should map to the error exit code")
	}
}

func TestDisplayQRIncludesURL(t *testing.T) {
	var buf bytes.Buffer
	displayQR(&buf, "http://127.0.0.1:4519/?session=rs-1-abc")
	if !strings.Contains(buf.String(), "http://127.0.0.1:4519/?session=rs-1-abc") {
		t.Errorf("QR output should include the URL, got %q", buf.String())
	}
}
