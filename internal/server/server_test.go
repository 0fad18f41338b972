package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/diffdeck/diffdeck/internal/diff"
	apperrors "github.com/diffdeck/diffdeck/internal/errors"
	"github.com/diffdeck/diffdeck/internal/github"
	"github.com/diffdeck/diffdeck/internal/session"
)

const sampleDiff = `diff --git a/main.go b/main.go
index 83db48f..bf269f4 100644
--- a/main.go
+++ b/main.go
@@ -1,3 +1,4 @@
 package main
+
 func main() {
 }
`

const twoFileDiffText = `diff --git a/main.go b/main.go
index 83db48f..bf269f4 100644
--- a/main.go
+++ b/main.go
@@ -1,3 +1,4 @@
 package main
+
 func main() {
 }
diff --git a/util.go b/util.go
new file mode 100644
index 0000000..9daeafb
--- /dev/null
+++ b/util.go
@@ -0,0 +1,3 @@
+package main
+
+func helper() {}
`

// fakeSource is a switchable stand-in for git diff acquisition.
type fakeSource struct {
	mu     sync.Mutex
	byRef  map[string]string
	text   string
	err    error
	called int
}

func newFakeSource(text string) *fakeSource {
	return &fakeSource{text: text, byRef: make(map[string]string)}
}

func (f *fakeSource) acquire(ctx context.Context, ref, dir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called++
	if f.err != nil {
		return "", f.err
	}
	if text, ok := f.byRef[ref]; ok {
		return text, nil
	}
	return f.text, nil
}

func (f *fakeSource) set(text string) {
	f.mu.Lock()
	f.text = text
	f.mu.Unlock()
}

func (f *fakeSource) setRef(ref, text string) {
	f.mu.Lock()
	f.byRef[ref] = text
	f.mu.Unlock()
}

func (f *fakeSource) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func startTestServer(t *testing.T, opts Options) *Server {
	t.Helper()

	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	if opts.Acquire == nil {
		opts.Acquire = newFakeSource(sampleDiff).acquire
	}
	if opts.ResolveBranch == nil {
		opts.ResolveBranch = func(ctx context.Context, dir string) string { return "main" }
	}

	s := NewServer(session.NewRegistry(), opts)
	if err := <-s.StartAsync(); err != nil {
		t.Fatalf("StartAsync: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func wsDial(t *testing.T, s *Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws://" + s.Addr() + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// wireMessage is the decoded envelope as seen on the wire.
type wireMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

func readWire(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m wireMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return m
}

// awaitWire reads until a message of the wanted type arrives, skipping
// interleaved directory broadcasts.
func awaitWire(t *testing.T, conn *websocket.Conn, want string) wireMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		m := readWire(t, conn)
		if m.Type == want {
			return m
		}
	}
	t.Fatalf("never received %s", want)
	return wireMessage{}
}

func sendWire(t *testing.T, conn *websocket.Conn, msgType string, id string, payload interface{}) {
	t.Helper()
	if err := conn.WriteJSON(map[string]interface{}{
		"type":    msgType,
		"id":      id,
		"payload": payload,
	}); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func createStaticViaHTTP(t *testing.T, s *Server, diffText, title string) string {
	t.Helper()
	resp := postJSON(t, s.URL()+"/api/sessions", CreateSessionRequest{DiffText: diffText, Title: title})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created SessionCreateResponse
	decodeBody(t, resp, &created)
	if created.SessionID == "" {
		t.Fatal("empty session_id")
	}
	return created.SessionID
}

func TestServer_Health(t *testing.T) {
	s := startTestServer(t, Options{})

	resp, err := http.Get(s.URL() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
		PID    int    `json:"pid"`
	}
	decodeBody(t, resp, &body)
	if body.Status != "ok" || body.PID <= 0 {
		t.Errorf("health = %+v", body)
	}
}

func TestServer_SessionCRUD(t *testing.T) {
	s := startTestServer(t, Options{})

	id := createStaticViaHTTP(t, s, sampleDiff, "Add blank line")
	if !strings.HasPrefix(id, "rs-") {
		t.Errorf("session id = %q", id)
	}

	// List shows the summary with counts derived from the diff.
	resp, err := http.Get(s.URL() + "/api/sessions")
	if err != nil {
		t.Fatalf("GET list: %v", err)
	}
	var list SessionListResponse
	decodeBody(t, resp, &list)
	if len(list.Sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(list.Sessions))
	}
	sum := list.Sessions[0]
	if sum.ID != id || sum.Title != "Add blank line" || sum.Files != 1 || sum.Additions != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.Status != session.StatusPending {
		t.Errorf("status = %q, want pending before any viewer", sum.Status)
	}

	// Full snapshot carries the parsed model.
	resp, err = http.Get(s.URL() + "/api/sessions/" + id)
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	var snap session.Session
	decodeBody(t, resp, &snap)
	if snap.ID != id || snap.Diff == nil || len(snap.Diff.Files) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Diff.Files[0].Path != "main.go" {
		t.Errorf("file path = %q", snap.Diff.Files[0].Path)
	}

	// Delete removes it.
	req, _ := http.NewRequest(http.MethodDelete, s.URL()+"/api/sessions/"+id, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	resp, err = http.Get(s.URL() + "/api/sessions/" + id)
	if err != nil {
		t.Fatalf("GET after delete: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status after delete = %d, want 404", resp.StatusCode)
	}
}

func TestServer_UnknownSessionIs404(t *testing.T) {
	s := startTestServer(t, Options{})

	resp, err := http.Get(s.URL() + "/api/sessions/rs-0-999")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeBody(t, resp, &body)
	if body.Error.Code != apperrors.CodeSessionNotFound {
		t.Errorf("error code = %q", body.Error.Code)
	}
}

func TestServer_ResultLifecycle(t *testing.T) {
	s := startTestServer(t, Options{})
	id := createStaticViaHTTP(t, s, sampleDiff, "t")

	var res SessionResultResponse
	resp, _ := http.Get(s.URL() + "/api/sessions/" + id + "/result")
	decodeBody(t, resp, &res)
	if res.Status != session.StatusPending || res.Result != nil {
		t.Fatalf("before verdict = %+v", res)
	}

	err := s.SubmitVerdict(ReviewSubmitPayload{
		SessionID: id,
		Decision:  "approved",
		Comments:  []session.Comment{{File: "main.go", Line: 2, Body: "nice"}},
		Summary:   "lgtm",
	})
	if err != nil {
		t.Fatalf("SubmitVerdict: %v", err)
	}

	resp, _ = http.Get(s.URL() + "/api/sessions/" + id + "/result")
	decodeBody(t, resp, &res)
	if res.Status != session.StatusCompleted || res.Result == nil {
		t.Fatalf("after verdict = %+v", res)
	}
	if res.Result.Decision != session.DecisionApproved || len(res.Result.Comments) != 1 {
		t.Errorf("result = %+v", res.Result)
	}

	// A second verdict is rejected.
	err = s.SubmitVerdict(ReviewSubmitPayload{SessionID: id, Decision: "dismissed"})
	if !apperrors.IsCode(err, apperrors.CodeSessionAlreadyCompleted) {
		t.Errorf("second verdict code = %q", apperrors.GetCode(err))
	}
}

func TestServer_InvalidDecisionRejected(t *testing.T) {
	s := startTestServer(t, Options{})
	id := createStaticViaHTTP(t, s, sampleDiff, "t")

	err := s.SubmitVerdict(ReviewSubmitPayload{SessionID: id, Decision: "maybe"})
	if !apperrors.IsCode(err, apperrors.CodeSessionInvalidDecision) {
		t.Errorf("code = %q, want %q", apperrors.GetCode(err), apperrors.CodeSessionInvalidDecision)
	}
}

func TestServer_AttachReceivesDirectory(t *testing.T) {
	s := startTestServer(t, Options{})
	createStaticViaHTTP(t, s, sampleDiff, "first")

	conn := wsDial(t, s, "")
	m := readWire(t, conn)
	if m.Type != string(MessageTypeSessionList) {
		t.Fatalf("first message = %s, want session:list", m.Type)
	}
	var p SessionListPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(p.Sessions) != 1 || p.Sessions[0].Title != "first" {
		t.Errorf("directory = %+v", p.Sessions)
	}
}

func TestServer_DirectoryBroadcasts(t *testing.T) {
	s := startTestServer(t, Options{})

	c1 := wsDial(t, s, "")
	c2 := wsDial(t, s, "")
	readWire(t, c1)
	readWire(t, c2)

	id := createStaticViaHTTP(t, s, sampleDiff, "announced")

	for _, conn := range []*websocket.Conn{c1, c2} {
		m := awaitWire(t, conn, string(MessageTypeSessionAdded))
		var p SessionAddedPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if p.Session.ID != id {
			t.Errorf("announced id = %q, want %q", p.Session.ID, id)
		}
	}

	// Closing broadcasts the removal.
	if err := s.CloseSession(id); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	m := awaitWire(t, c1, string(MessageTypeSessionRemoved))
	var rem SessionRemovedPayload
	if err := json.Unmarshal(m.Payload, &rem); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if rem.SessionID != id {
		t.Errorf("removed id = %q", rem.SessionID)
	}
}

func TestServer_SelectReplaysInit(t *testing.T) {
	s := startTestServer(t, Options{})
	id := createStaticViaHTTP(t, s, sampleDiff, "review me")

	conn := wsDial(t, s, "")
	readWire(t, conn) // session:list

	sendWire(t, conn, string(MessageTypeSessionSelect), "", SessionSelectPayload{SessionID: id})

	m := awaitWire(t, conn, string(MessageTypeReviewInit))
	var init ReviewInitPayload
	if err := json.Unmarshal(m.Payload, &init); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if init.SessionID != id || init.Title != "review me" {
		t.Errorf("init = %+v", init)
	}
	if init.Diff == nil || len(init.Diff.Files) != 1 {
		t.Errorf("init diff = %+v", init.Diff)
	}

	// The first viewer moves the session to in_progress.
	snap, _ := s.Registry().Get(id)
	if snap.Status != session.StatusInProgress {
		t.Errorf("status = %q, want in_progress", snap.Status)
	}
}

func TestServer_AutoSelectQueryParam(t *testing.T) {
	s := startTestServer(t, Options{})
	id := createStaticViaHTTP(t, s, sampleDiff, "t")

	conn := wsDial(t, s, "?session="+id)

	m := awaitWire(t, conn, string(MessageTypeReviewInit))
	var init ReviewInitPayload
	if err := json.Unmarshal(m.Payload, &init); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if init.SessionID != id {
		t.Errorf("init session = %q, want %q", init.SessionID, id)
	}
}

func TestServer_SubmitOverWebSocket(t *testing.T) {
	s := startTestServer(t, Options{})
	id := createStaticViaHTTP(t, s, sampleDiff, "t")

	conn := wsDial(t, s, "?session="+id)
	awaitWire(t, conn, string(MessageTypeReviewInit))

	// No session_id in the payload: the bound session is used.
	sendWire(t, conn, string(MessageTypeReviewSubmit), "", ReviewSubmitPayload{
		Decision: "approved_with_comments",
		Comments: []session.Comment{{File: "main.go", Line: 2, Body: "consider a doc comment", Severity: "info"}},
	})

	deadline := time.Now().Add(3 * time.Second)
	for {
		snap, ok := s.Registry().Get(id)
		if ok && snap.Completed() {
			if snap.Result.Decision != session.DecisionApprovedWithComments {
				t.Errorf("decision = %q", snap.Result.Decision)
			}
			if len(snap.Result.Comments) != 1 || snap.Result.Comments[0].Line != 2 {
				t.Errorf("comments = %+v", snap.Result.Comments)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("verdict never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_ProtocolErrorsKeepChannelOpen(t *testing.T) {
	s := startTestServer(t, Options{})
	id := createStaticViaHTTP(t, s, sampleDiff, "t")

	conn := wsDial(t, s, "?session="+id)
	awaitWire(t, conn, string(MessageTypeReviewInit))

	// Invalid decision: rejected with the inbound id echoed back.
	sendWire(t, conn, string(MessageTypeReviewSubmit), "m1", ReviewSubmitPayload{Decision: "maybe"})
	m := awaitWire(t, conn, string(MessageTypeError))
	if m.ID != "m1" {
		t.Errorf("error id = %q, want m1", m.ID)
	}
	var ep ErrorPayload
	if err := json.Unmarshal(m.Payload, &ep); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if ep.Code != apperrors.CodeSessionInvalidDecision {
		t.Errorf("error code = %q", ep.Code)
	}

	// Malformed frame: discarded with a notice, connection stays up.
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write raw: %v", err)
	}
	m = awaitWire(t, conn, string(MessageTypeError))
	if err := json.Unmarshal(m.Payload, &ep); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if ep.Code != apperrors.CodeServerInvalidMessage {
		t.Errorf("error code = %q", ep.Code)
	}

	// The same connection still accepts a valid verdict.
	sendWire(t, conn, string(MessageTypeReviewSubmit), "", ReviewSubmitPayload{Decision: "dismissed"})
	deadline := time.Now().Add(3 * time.Second)
	for {
		snap, _ := s.Registry().Get(id)
		if snap.Completed() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("verdict never recorded after protocol errors")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_LiveUpdateFlow(t *testing.T) {
	source := newFakeSource(sampleDiff)
	s := startTestServer(t, Options{
		PollInterval: 25 * time.Millisecond,
		Acquire:      source.acquire,
	})

	snap, err := s.CreateSession(context.Background(), CreateSessionRequest{Ref: "HEAD", Dir: "/tmp/project"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if snap.Diff == nil || len(snap.Diff.Files) != 1 {
		t.Fatalf("initial diff = %+v", snap.Diff)
	}
	if snap.Branch != "main" {
		t.Errorf("branch = %q, want main", snap.Branch)
	}

	conn := wsDial(t, s, "?session="+snap.ID)
	awaitWire(t, conn, string(MessageTypeReviewInit))

	// The working tree grows a second file; the viewer gets an update.
	source.set(twoFileDiffText)
	m := awaitWire(t, conn, string(MessageTypeDiffUpdate))
	var up DiffUpdatePayload
	if err := json.Unmarshal(m.Payload, &up); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if up.SessionID != snap.ID || up.Diff == nil || len(up.Diff.Files) != 2 {
		t.Fatalf("update = %+v", up)
	}
	foundNew := false
	for _, ch := range up.Changed {
		if ch.Path == "util.go" && ch.Kind == diff.FileNew {
			foundNew = true
		}
	}
	if !foundNew {
		t.Errorf("delta missing new util.go: %+v", up.Changed)
	}
}

func TestServer_ChangeRefRecomparesAndPushes(t *testing.T) {
	source := newFakeSource(sampleDiff)
	source.setRef("v1..v2", twoFileDiffText)
	s := startTestServer(t, Options{
		PollInterval: 25 * time.Millisecond,
		Acquire:      source.acquire,
	})

	snap, err := s.CreateSession(context.Background(), CreateSessionRequest{Ref: "HEAD", Dir: "/tmp/project"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	conn := wsDial(t, s, "?session="+snap.ID)
	awaitWire(t, conn, string(MessageTypeReviewInit))

	sendWire(t, conn, string(MessageTypeDiffChangeRef), "", DiffChangeRefPayload{Ref: "v1..v2"})

	m := awaitWire(t, conn, string(MessageTypeDiffUpdate))
	var up DiffUpdatePayload
	if err := json.Unmarshal(m.Payload, &up); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(up.Diff.Files) != 2 {
		t.Errorf("re-comparison files = %d, want 2", len(up.Diff.Files))
	}

	after, _ := s.Registry().Get(snap.ID)
	if after.Options.Ref != "v1..v2" {
		t.Errorf("recorded ref = %q", after.Options.Ref)
	}
}

func TestServer_PollFailureSurfacesAsDiffError(t *testing.T) {
	source := newFakeSource(sampleDiff)
	s := startTestServer(t, Options{
		PollInterval: 25 * time.Millisecond,
		Acquire:      source.acquire,
	})

	snap, err := s.CreateSession(context.Background(), CreateSessionRequest{Ref: "HEAD", Dir: "/tmp/project"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	conn := wsDial(t, s, "?session="+snap.ID)
	awaitWire(t, conn, string(MessageTypeReviewInit))

	source.fail(apperrors.New(apperrors.CodeGitCommandFailed, "fatal: bad revision"))

	m := awaitWire(t, conn, string(MessageTypeDiffError))
	var de DiffErrorPayload
	if err := json.Unmarshal(m.Payload, &de); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if de.Code != apperrors.CodeGitCommandFailed {
		t.Errorf("code = %q", de.Code)
	}

	// The session survives the failed tick.
	if _, ok := s.Registry().Get(snap.ID); !ok {
		t.Error("session gone after poll failure")
	}
}

func TestServer_CreateFailureCleansUp(t *testing.T) {
	source := newFakeSource("")
	source.fail(apperrors.New(apperrors.CodeGitNotRepository, "not a repo"))
	s := startTestServer(t, Options{Acquire: source.acquire})

	_, err := s.CreateSession(context.Background(), CreateSessionRequest{Ref: "HEAD", Dir: "/tmp/nowhere"})
	if !apperrors.IsCode(err, apperrors.CodeGitNotRepository) {
		t.Fatalf("err = %v", err)
	}
	if n := s.Registry().Len(); n != 0 {
		t.Errorf("registry len = %d after failed create, want 0", n)
	}
}

func TestServer_DisconnectPastGraceFailsWait(t *testing.T) {
	s := startTestServer(t, Options{GracePeriod: 50 * time.Millisecond})
	id := createStaticViaHTTP(t, s, sampleDiff, "t")

	waitErr := make(chan error, 1)
	go func() {
		_, err := s.AwaitVerdict(context.Background(), id)
		waitErr <- err
	}()

	conn := wsDial(t, s, "?session="+id)
	awaitWire(t, conn, string(MessageTypeReviewInit))
	conn.Close()

	select {
	case err := <-waitErr:
		if !apperrors.IsCode(err, apperrors.CodeSessionClientDisconnect) {
			t.Errorf("wait err code = %q", apperrors.GetCode(err))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("wait not released after disconnect")
	}

	// The session stays queryable, with the failure recorded on it. The
	// waiter can wake a beat before the fault lands, so poll briefly.
	var res SessionResultResponse
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(s.URL() + "/api/sessions/" + id + "/result")
		if err != nil {
			t.Fatalf("GET result: %v", err)
		}
		decodeBody(t, resp, &res)
		if res.Error != nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if res.Error == nil || res.Error.Code != apperrors.CodeSessionClientDisconnect {
		t.Errorf("recorded error = %+v", res.Error)
	}
	if res.Status == session.StatusCompleted {
		t.Errorf("status = %q; a failed wait is not a verdict", res.Status)
	}
}

func TestServer_ReconnectWithinGraceKeepsWait(t *testing.T) {
	s := startTestServer(t, Options{GracePeriod: 2 * time.Second})
	id := createStaticViaHTTP(t, s, sampleDiff, "t")

	waitRes := make(chan *session.Result, 1)
	go func() {
		res, _ := s.AwaitVerdict(context.Background(), id)
		waitRes <- res
	}()

	first := wsDial(t, s, "?session="+id)
	awaitWire(t, first, string(MessageTypeReviewInit))
	first.Close()

	// Reconnect inside the grace window; the init is replayed and the
	// wait keeps running.
	second := wsDial(t, s, "?session="+id)
	awaitWire(t, second, string(MessageTypeReviewInit))

	sendWire(t, second, string(MessageTypeReviewSubmit), "", ReviewSubmitPayload{Decision: "approved"})

	select {
	case res := <-waitRes:
		if res == nil || res.Decision != session.DecisionApproved {
			t.Errorf("wait result = %+v", res)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("wait not released by verdict after reconnect")
	}
}

func TestServer_ContextAndFindingsPush(t *testing.T) {
	s := startTestServer(t, Options{})
	id := createStaticViaHTTP(t, s, sampleDiff, "before")

	conn := wsDial(t, s, "?session="+id)
	awaitWire(t, conn, string(MessageTypeReviewInit))

	resp := postJSON(t, s.URL()+"/api/sessions/"+id+"/context", ContextUpdateRequest{Title: strPtr("after")})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("context status = %d", resp.StatusCode)
	}

	m := awaitWire(t, conn, string(MessageTypeContextUpdate))
	var cu ContextUpdatePayload
	if err := json.Unmarshal(m.Payload, &cu); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if cu.Title != "after" {
		t.Errorf("pushed title = %q", cu.Title)
	}

	resp = postJSON(t, s.URL()+"/api/sessions/"+id+"/findings", FindingsRequest{
		Findings: []session.Finding{{File: "main.go", Line: 2, Severity: "warn", Title: "added blank line"}},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("findings status = %d", resp.StatusCode)
	}

	m = awaitWire(t, conn, string(MessageTypeContextUpdate))
	if err := json.Unmarshal(m.Payload, &cu); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(cu.Findings) != 1 || cu.Findings[0].ID == "" {
		t.Errorf("pushed findings = %+v", cu.Findings)
	}
}

func TestServer_PRSessionSeedsFromGitHub(t *testing.T) {
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/owner/repo/pulls/42" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Accept") == "application/vnd.github.v3.diff" {
			fmt.Fprint(w, sampleDiff)
			return
		}
		fmt.Fprint(w, `{
			"number": 42,
			"title": "Add retry logic",
			"body": "Retries transient failures.",
			"head": {"ref": "feature/retries"},
			"base": {"ref": "main"}
		}`)
	}))
	defer stub.Close()

	s := startTestServer(t, Options{PRs: github.NewClient("tok", stub.URL)})

	resp := postJSON(t, s.URL()+"/api/sessions", CreateSessionRequest{PR: "owner/repo#42"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created SessionCreateResponse
	decodeBody(t, resp, &created)

	snap, ok := s.Registry().Get(created.SessionID)
	if !ok {
		t.Fatal("session not registered")
	}
	if snap.Options.Title != "Add retry logic" {
		t.Errorf("title = %q, want PR title", snap.Options.Title)
	}
	if snap.Branch != "feature/retries" {
		t.Errorf("branch = %q", snap.Branch)
	}
	if snap.Diff == nil || snap.Diff.Base != "main" || snap.Diff.Head != "feature/retries" {
		t.Errorf("diff labels = %+v", snap.Diff)
	}
}

func TestServer_StatusEndpoint(t *testing.T) {
	s := startTestServer(t, Options{})
	createStaticViaHTTP(t, s, sampleDiff, "t")

	resp, err := http.Get(s.URL() + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var st StatusResponse
	decodeBody(t, resp, &st)
	if st.PID <= 0 || st.SessionCount != 1 || st.ListeningAddress != s.Addr() {
		t.Errorf("status = %+v", st)
	}
}

func TestServer_RefsEndpoint(t *testing.T) {
	requireGit(t)
	dir := initGitRepo(t)

	s := startTestServer(t, Options{})

	resp, err := http.Get(s.URL() + "/api/refs?dir=" + dir)
	if err != nil {
		t.Fatalf("GET /api/refs: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var refs RefsResponse
	decodeBody(t, resp, &refs)
	if refs.Current == "" {
		t.Error("current branch empty")
	}
	if len(refs.Branches) == 0 {
		t.Error("no branches listed")
	}
	if len(refs.Commits) != 1 || refs.Commits[0].Subject != "initial" {
		t.Errorf("commits = %+v", refs.Commits)
	}
}

func strPtr(s string) *string { return &s }

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

// initGitRepo creates a repository with one commit and returns its path.
func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(cmd.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}

	run("init", "-q")
	if err := writeFile(dir+"/main.go", "package main\n"); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-q", "-m", "initial")
	return dir
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}
