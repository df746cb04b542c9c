package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"arena/internal/app"
	"arena/internal/config"
	"arena/internal/db"
	"arena/internal/domain"
	"arena/internal/engine"
	"arena/internal/events"
	"arena/internal/live"
	"arena/internal/migrate"
	"arena/internal/repo"
)

const testSecret = "test-secret"

const testTemplate = `competition:
  id: cup
  name: "Test cup"
teams:
  - id: red
    members: [r1]
  - id: blue
    members: [b1]
staff:
  - actor: boss
    roles: [admin]
  - actor: j1
    roles: [judge]
tasks:
  - name: qa
    duration: 60s
    validator:
      kind: exact
      answers: ["42"]
  - name: open
    duration: 60s
    validator:
      kind: judge
`

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, dialect, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn, Dialect: dialect}
	if _, err := app.ImportTemplate(context.Background(), r, events.Writer{DB: conn, Dialect: dialect}, []byte(testTemplate), "boss"); err != nil {
		t.Fatalf("import template: %v", err)
	}
	cfg, err := config.FromYAML([]byte(testTemplate))
	if err != nil {
		t.Fatalf("parse template: %v", err)
	}
	e := engine.New(conn, dialect, cfg)
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testSecret, DevLogin: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		e.Hub.Shutdown()
		srv.Close()
	})
	return &testServer{URL: srv.URL, Engine: e, client: srv.Client()}
}

func token(t *testing.T, actor string) string {
	t.Helper()
	tok, err := signDevToken(testSecret, actor, nil, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (s *testServer) do(t *testing.T, actor, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, actor))
	}
	res, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func (s *testServer) expect(t *testing.T, status int, actor, method, path string, body any, out any) {
	t.Helper()
	res, data := s.do(t, actor, method, path, body)
	if res.StatusCode != status {
		t.Fatalf("%s %s: expected %d, got %d: %s", method, path, status, res.StatusCode, string(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("unmarshal %s: %v", string(data), err)
		}
	}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	return env.Error.Code
}

// startTask creates and starts a run with one running task.
func (s *testServer) startTask(t *testing.T, task string) (RunResponse, TaskRunResponse) {
	t.Helper()
	var run RunResponse
	s.expect(t, http.StatusCreated, "boss", http.MethodPost, "/v1/runs", CreateRunRequest{Name: "final"}, &run)
	s.expect(t, http.StatusOK, "boss", http.MethodPost, "/v1/runs/"+run.ID+"/start", nil, nil)
	var tr TaskRunResponse
	s.expect(t, http.StatusCreated, "boss", http.MethodPost, "/v1/runs/"+run.ID+"/tasks", PrepareTaskRequest{Task: task}, &tr)
	if tr.Phase != domain.PhasePreparing {
		t.Fatalf("expected PREPARING, got %s", tr.Phase)
	}
	s.expect(t, http.StatusOK, "boss", http.MethodPost, "/v1/runs/"+run.ID+"/tasks/"+tr.ID+"/start", nil, &tr)
	return run, tr
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	srv.expect(t, http.StatusOK, "", http.MethodGet, "/v1/health", nil, nil)
	res, data := srv.do(t, "", http.MethodGet, "/v1/runs", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	res, data = srv.do(t, "r1", http.MethodPost, "/v1/runs", CreateRunRequest{Name: "x"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for participant, got %d: %s", res.StatusCode, string(data))
	}
}

func TestDevLogin(t *testing.T) {
	srv := newTestServer(t)
	var login DevLoginResponse
	srv.expect(t, http.StatusOK, "", http.MethodPost, "/v1/auth/dev/login", DevLoginRequest{ActorID: "watcher", Roles: []string{"viewer"}}, &login)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/me", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	res, err := srv.client.Do(req)
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	defer res.Body.Close()
	var who WhoAmIResponse
	if err := json.NewDecoder(res.Body).Decode(&who); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if who.ActorID != "watcher" || len(who.Roles) != 1 || who.Roles[0] != "viewer" {
		t.Fatalf("unexpected principal %+v", who)
	}
}

func TestSubmitAndScore(t *testing.T) {
	srv := newTestServer(t)
	run, tr := srv.startTask(t, "qa")
	base := "/v1/runs/" + run.ID + "/tasks/" + tr.ID

	var sub domain.Submission
	srv.expect(t, http.StatusCreated, "r1", http.MethodPost, base+"/submissions", SubmitRequest{TeamID: "red", Answer: domain.Answer{Text: "42"}}, &sub)
	if sub.Verdict != domain.VerdictCorrect || sub.MemberID != "r1" {
		t.Fatalf("unexpected submission %+v", sub)
	}

	res, data := srv.do(t, "r1", http.MethodPost, base+"/submissions", SubmitRequest{TeamID: "blue", Answer: domain.Answer{Text: "42"}})
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "submission_rejected" {
		t.Fatalf("expected rejection for foreign team, got %d: %s", res.StatusCode, string(data))
	}
	res, data = srv.do(t, "r1", http.MethodPost, "/v1/runs/"+run.ID+"/tasks/current/submissions", SubmitRequest{TeamID: "red", Answer: domain.Answer{Text: "42"}})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected duplicate rejection, got %d: %s", res.StatusCode, string(data))
	}

	var scores ScoresResponse
	srv.expect(t, http.StatusOK, "b1", http.MethodGet, base+"/scores", nil, &scores)
	got := map[string]float64{}
	for _, s := range scores.Scores {
		got[s.TeamID] = s.Score
	}
	if got["red"] <= 0 || got["blue"] != 0 {
		t.Fatalf("unexpected scores %+v", scores.Scores)
	}

	var overall ScoresResponse
	srv.expect(t, http.StatusOK, "b1", http.MethodGet, "/v1/runs/"+run.ID+"/scores", nil, &overall)
	if len(overall.Scores) != 2 {
		t.Fatalf("expected both teams overall, got %+v", overall.Scores)
	}

	var state TaskStateResponse
	srv.expect(t, http.StatusOK, "b1", http.MethodGet, "/v1/runs/"+run.ID+"/tasks/current", nil, &state)
	if state.ID != tr.ID || state.Phase != domain.PhaseRunning || state.TimeLeftMS <= 0 {
		t.Fatalf("unexpected state %+v", state)
	}

	var page paginatedEvents
	srv.expect(t, http.StatusOK, "j1", http.MethodGet, "/v1/events?run_id="+run.ID+"&type=submission.rejected", nil, &page)
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 rejection events, got %d", len(page.Items))
	}
}

func TestTaskTransitionConflict(t *testing.T) {
	srv := newTestServer(t)
	run, tr := srv.startTask(t, "qa")
	res, data := srv.do(t, "boss", http.MethodPost, "/v1/runs/"+run.ID+"/tasks/"+tr.ID+"/start", nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "invalid_state_transition" {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	srv.expect(t, http.StatusOK, "boss", http.MethodPost, "/v1/runs/"+run.ID+"/tasks/"+tr.ID+"/end", nil, nil)
	res, data = srv.do(t, "r1", http.MethodPost, "/v1/runs/"+run.ID+"/tasks/"+tr.ID+"/submissions", SubmitRequest{TeamID: "red", Answer: domain.Answer{Text: "42"}})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected rejection after end, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = srv.do(t, "boss", http.MethodGet, "/v1/runs/missing", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}

func TestJudgingAndOverride(t *testing.T) {
	srv := newTestServer(t)
	run, tr := srv.startTask(t, "open")
	base := "/v1/runs/" + run.ID + "/tasks/" + tr.ID

	var sub domain.Submission
	srv.expect(t, http.StatusCreated, "b1", http.MethodPost, base+"/submissions", SubmitRequest{TeamID: "blue", Answer: domain.Answer{Text: "a red car"}}, &sub)
	if sub.Verdict != domain.VerdictIndeterminate {
		t.Fatalf("expected INDETERMINATE, got %s", sub.Verdict)
	}

	res, _ := srv.do(t, "b1", http.MethodPost, "/v1/judgements/next", nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("participant claimed a judgement: %d", res.StatusCode)
	}

	var claim ClaimResponse
	srv.expect(t, http.StatusOK, "j1", http.MethodPost, "/v1/judgements/next", nil, &claim)
	if !claim.Available || claim.Request == nil || claim.Request.SubmissionID != sub.ID {
		t.Fatalf("unexpected claim %+v", claim)
	}
	var judged domain.Submission
	srv.expect(t, http.StatusOK, "j1", http.MethodPost, "/v1/judgements/"+claim.Request.Token, JudgeRequest{Verdict: "CORRECT"}, &judged)
	if judged.Verdict != domain.VerdictCorrect || judged.ValidatorID != "j1" {
		t.Fatalf("unexpected judged submission %+v", judged)
	}
	res, data := srv.do(t, "j1", http.MethodPost, "/v1/judgements/"+claim.Request.Token, JudgeRequest{Verdict: "WRONG"})
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "unknown_token" {
		t.Fatalf("expected unknown token, got %d: %s", res.StatusCode, string(data))
	}
	srv.expect(t, http.StatusOK, "j1", http.MethodPost, "/v1/judgements/next", nil, &claim)
	if claim.Available {
		t.Fatalf("queue should be empty")
	}

	var ov OverrideResponse
	srv.expect(t, http.StatusOK, "boss", http.MethodPost, "/v1/submissions/"+jsonNumber(sub.ID)+"/override", OverrideRequest{Verdict: "WRONG"}, &ov)
	if ov.Previous != domain.VerdictCorrect || ov.Submission.Verdict != domain.VerdictWrong {
		t.Fatalf("unexpected override %+v", ov)
	}
	var series []domain.ScoreTimePoint
	srv.expect(t, http.StatusOK, "boss", http.MethodGet, "/v1/runs/"+run.ID+"/series?board="+tr.ID, nil, &series)
	if len(series) < 2 || series[len(series)-1].Score != 0 {
		t.Fatalf("expected override to append a zero point, got %+v", series)
	}
}

func jsonNumber(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func TestLiveChannel(t *testing.T) {
	srv := newTestServer(t)
	var run RunResponse
	srv.expect(t, http.StatusCreated, "boss", http.MethodPost, "/v1/runs", CreateRunRequest{Name: "live"}, &run)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/live"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token(t, "r1"))
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	if err := ws.WriteJSON(live.ClientMessage{RunID: run.ID, Type: live.Register}); err != nil {
		t.Fatalf("register: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for srv.Engine.Hub.Subscribers(run.ID) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	srv.expect(t, http.StatusOK, "boss", http.MethodPost, "/v1/runs/"+run.ID+"/start", nil, nil)
	srv.expect(t, http.StatusCreated, "boss", http.MethodPost, "/v1/runs/"+run.ID+"/tasks", PrepareTaskRequest{Task: "qa"}, nil)

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got []live.ServerType
	for len(got) < 2 {
		var msg live.ServerMessage
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type == live.Ping {
			continue
		}
		if msg.RunID != run.ID {
			t.Fatalf("unexpected run id %q", msg.RunID)
		}
		got = append(got, msg.Type)
	}
	if got[0] != live.CompetitionStart || got[1] != live.TaskPrepare {
		t.Fatalf("unexpected order %v", got)
	}

	res, _ := srv.do(t, "", http.MethodGet, "/v1/live", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous live, got %d", res.StatusCode)
	}
}

func TestWebhookDelivery(t *testing.T) {
	received := make(chan webhookEvent, 16)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		if r.Header.Get("X-Arena-Secret") != "s3" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		received <- evt
	}))
	defer hook.Close()

	srv := newTestServer(t)
	srv.Engine.Config.Webhooks = []config.Webhook{{URL: hook.URL, Events: []string{"run.created"}, Secret: "s3"}}
	d := NewWebhookDispatcher(srv.Engine)
	ctx := context.Background()
	d.DispatchAll(ctx)

	var run RunResponse
	srv.expect(t, http.StatusCreated, "boss", http.MethodPost, "/v1/runs", CreateRunRequest{Name: "hooked"}, &run)
	srv.expect(t, http.StatusOK, "boss", http.MethodPost, "/v1/runs/"+run.ID+"/start", nil, nil)
	d.DispatchAll(ctx)

	select {
	case evt := <-received:
		if evt.Type != "run.created" || evt.RunID != run.ID {
			t.Fatalf("unexpected webhook event %+v", evt)
		}
	default:
		t.Fatalf("no webhook delivered")
	}
	select {
	case evt := <-received:
		t.Fatalf("filtered event delivered: %+v", evt)
	default:
	}
}

func TestTeamMembersRemove(t *testing.T) {
	srv := newTestServer(t)
	var members MembersResponse
	srv.expect(t, http.StatusOK, "j1", http.MethodGet, "/v1/teams/red/members", nil, &members)
	if len(members.Members) != 1 || members.Members[0] != "r1" {
		t.Fatalf("unexpected members %+v", members)
	}
	res, _ := srv.do(t, "r1", http.MethodDelete, "/v1/teams/red/members/r1", nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for participant, got %d", res.StatusCode)
	}
	srv.expect(t, http.StatusNoContent, "boss", http.MethodDelete, "/v1/teams/red/members/r1", nil, nil)
	res, _ = srv.do(t, "boss", http.MethodDelete, "/v1/teams/red/members/r1", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for second removal, got %d", res.StatusCode)
	}

	run, tr := srv.startTask(t, "qa")
	res, data := srv.do(t, "r1", http.MethodPost, "/v1/runs/"+run.ID+"/tasks/"+tr.ID+"/submissions", SubmitRequest{TeamID: "red", Answer: domain.Answer{Text: "42"}})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected removed member to be rejected, got %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	srv.expect(t, http.StatusOK, "boss", http.MethodGet, "/v1/events?type=team.member_removed", nil, &page)
	if len(page.Items) != 1 || page.Items[0].EntityID != "red" {
		t.Fatalf("expected one removal event, got %+v", page.Items)
	}
}

func TestAPIKeyListAndRevoke(t *testing.T) {
	srv := newTestServer(t)
	var created APIKeyResponse
	srv.expect(t, http.StatusCreated, "boss", http.MethodPost, "/v1/rbac/api-keys", CreateAPIKeyRequest{ActorID: "r1", Name: "laptop"}, &created)

	var own []APIKeyInfo
	srv.expect(t, http.StatusOK, "r1", http.MethodGet, "/v1/rbac/api-keys", nil, &own)
	if len(own) != 1 || own[0].ID != created.ID || own[0].Name != "laptop" {
		t.Fatalf("unexpected own keys %+v", own)
	}
	res, _ := srv.do(t, "r1", http.MethodGet, "/v1/rbac/api-keys?all=true", nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 listing every key as participant, got %d", res.StatusCode)
	}
	res, _ = srv.do(t, "b1", http.MethodDelete, "/v1/rbac/api-keys/"+created.ID, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 revoking someone else's key, got %d", res.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/me", nil)
	req.Header.Set("X-Api-Key", created.Key)
	res, err := srv.client.Do(req)
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected key to authenticate, got %d", res.StatusCode)
	}

	srv.expect(t, http.StatusNoContent, "r1", http.MethodDelete, "/v1/rbac/api-keys/"+created.ID, nil, nil)
	res, _ = srv.do(t, "boss", http.MethodDelete, "/v1/rbac/api-keys/"+created.ID, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after revoke, got %d", res.StatusCode)
	}
	var all []APIKeyInfo
	srv.expect(t, http.StatusOK, "boss", http.MethodGet, "/v1/rbac/api-keys?all=true", nil, &all)
	if len(all) != 0 {
		t.Fatalf("expected no keys left, got %+v", all)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/v1/me", nil)
	req.Header.Set("X-Api-Key", created.Key)
	res, err = srv.client.Do(req)
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected revoked key to be refused, got %d", res.StatusCode)
	}
}
