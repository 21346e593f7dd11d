package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capacity-engine/pkg/assignment"
	"capacity-engine/pkg/audit"
	"capacity-engine/pkg/claim"
	"capacity-engine/pkg/guardrail"
	"capacity-engine/pkg/lifecycle"
	"capacity-engine/pkg/summary"
	"capacity-engine/pkg/task"
)

type testServer struct {
	*Server
	tasks  *task.MemStore
	events *audit.Bus
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	tasks := task.NewMemStore()
	bus := audit.NewBus(audit.NewMemStore())
	policy := guardrail.DefaultPolicy()
	policy.MaxParallel[task.Foresight] = 1
	lc := lifecycle.New(tasks, claim.NewArbiter(tasks, time.Hour),
		lifecycle.WithPolicy(policy),
		lifecycle.WithSink(audit.NewStoreSink(bus, nil)))
	assign := assignment.NewService(tasks, assignment.NewMemStore())
	srv := New(lc, assign, summary.NewAggregator(tasks, assign), bus, opts...)
	return &testServer{Server: srv, tasks: tasks, events: bus}
}

func (ts *testServer) do(t *testing.T, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) create(t *testing.T, c task.Capacity) task.Task {
	t.Helper()
	rec := ts.do(t, "POST", "/api/tasks", "admin", map[string]any{"capacity": c, "title": "t"})
	require.Equal(t, 201, rec.Code, rec.Body.String())
	return decode[task.Task](t, rec)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, "GET", "/health", "", nil)
	assert.Equal(t, 200, rec.Code)
}

func TestCreateTask(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "POST", "/api/tasks", "", map[string]any{"capacity": "foresight"})
	assert.Equal(t, 401, rec.Code)

	rec = ts.do(t, "POST", "/api/tasks", "admin", map[string]any{"capacity": "panic"})
	assert.Equal(t, 400, rec.Code)

	rec = ts.do(t, "POST", "/api/tasks", "admin", map[string]any{"title": "no capacity"})
	assert.Equal(t, 400, rec.Code)

	created := ts.create(t, task.SelfAdjustment)
	assert.Equal(t, task.StatusOpen, created.Status)

	rec = ts.do(t, "GET", "/api/tasks/"+created.ID, "", nil)
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, created.ID, decode[task.Task](t, rec).ID)

	rec = ts.do(t, "GET", "/api/tasks/missing", "", nil)
	assert.Equal(t, 404, rec.Code)
}

func TestLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	tk := ts.create(t, task.GroupDeliberation)
	base := "/api/tasks/" + tk.ID

	rec := ts.do(t, "POST", base+"/claim", "alice", nil)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	res := decode[lifecycle.ClaimResult](t, rec)
	assert.Equal(t, guardrail.Allow, res.Decision.Result)
	assert.Equal(t, "alice", res.Task.Owner)

	rec = ts.do(t, "POST", base+"/claim", "bob", nil)
	assert.Equal(t, 409, rec.Code)

	rec = ts.do(t, "POST", base+"/start", "bob", nil)
	assert.Equal(t, 409, rec.Code, "non-holder start")

	rec = ts.do(t, "POST", base+"/start", "alice", nil)
	require.Equal(t, 200, rec.Code)

	rec = ts.do(t, "POST", base+"/pause", "alice", map[string]string{"reason": "awaiting budget approval"})
	require.Equal(t, 200, rec.Code)
	paused := decode[task.Task](t, rec)
	assert.Equal(t, task.StatusBlocked, paused.Status)
	assert.Equal(t, "awaiting budget approval", paused.Payload[task.PayloadPauseReason])

	rec = ts.do(t, "POST", base+"/resume", "alice", nil)
	require.Equal(t, 200, rec.Code)

	rec = ts.do(t, "POST", base+"/complete", "alice", map[string]any{"outputs": map[string]any{"minutes": "ok"}})
	require.Equal(t, 200, rec.Code)
	done := decode[task.Task](t, rec)
	assert.Equal(t, task.StatusDone, done.Status)
	assert.Nil(t, done.Lock)

	rec = ts.do(t, "POST", base+"/start", "alice", nil)
	assert.Equal(t, 409, rec.Code)
	rec = ts.do(t, "POST", base+"/cancel", "admin", nil)
	assert.Equal(t, 409, rec.Code)
}

func TestGuardrailBlockedReturnsReason(t *testing.T) {
	ts := newTestServer(t)
	first := ts.create(t, task.Foresight)
	second := ts.create(t, task.Foresight)

	rec := ts.do(t, "POST", "/api/tasks/"+first.ID+"/claim", "alice", nil)
	require.Equal(t, 200, rec.Code)

	rec = ts.do(t, "POST", "/api/tasks/"+second.ID+"/claim", "bob", nil)
	require.Equal(t, 403, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "capacity foresight already has 1 parallel streams (ceiling 1)", body["reason"])

	got, err := ts.tasks.Get(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusOpen, got.Status)
}

func TestRenewAndReviewOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	tk := ts.create(t, task.SelfAdjustment)
	base := "/api/tasks/" + tk.ID

	require.Equal(t, 200, ts.do(t, "POST", base+"/claim", "alice", nil).Code)
	rec := ts.do(t, "POST", base+"/renew", "alice", nil)
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, 1, decode[lifecycle.ClaimResult](t, rec).Task.Renewals)

	rec = ts.do(t, "POST", base+"/renew", "bob", nil)
	assert.Equal(t, 409, rec.Code)

	rec = ts.do(t, "POST", base+"/review", "lead", nil)
	require.Equal(t, 200, rec.Code)
	assert.Zero(t, decode[task.Task](t, rec).Renewals)
}

func TestListFilters(t *testing.T) {
	ts := newTestServer(t)
	a := ts.create(t, task.ImmediateResponse)
	ts.create(t, task.ImmediateResponse)
	ts.create(t, task.StructuralChange)
	require.Equal(t, 200, ts.do(t, "POST", "/api/tasks/"+a.ID+"/claim", "alice", nil).Code)

	rec := ts.do(t, "GET", "/api/tasks?capacity=immediate-response", "", nil)
	require.Equal(t, 200, rec.Code)
	assert.Len(t, decode[[]task.Task](t, rec), 2)

	rec = ts.do(t, "GET", "/api/tasks?status=claimed,active", "", nil)
	require.Equal(t, 200, rec.Code)
	got := decode[[]task.Task](t, rec)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)

	rec = ts.do(t, "GET", "/api/tasks?limit=1", "", nil)
	assert.Len(t, decode[[]task.Task](t, rec), 1)

	rec = ts.do(t, "GET", "/api/tasks?status=stalled", "", nil)
	assert.Equal(t, 400, rec.Code)
}

func TestAssignmentsAndSummary(t *testing.T) {
	ts := newTestServer(t)
	tk := ts.create(t, task.GroupDeliberation)
	path := "/api/tasks/" + tk.ID + "/assignments"

	rec := ts.do(t, "POST", path, "admin", map[string]string{"user_id": "carol", "role": "reviewer"})
	require.Equal(t, 200, rec.Code, rec.Body.String())
	rec = ts.do(t, "POST", path, "admin", map[string]string{"user_id": "carol", "role": "reviewer"})
	require.Equal(t, 200, rec.Code)

	rec = ts.do(t, "GET", path, "", nil)
	require.Equal(t, 200, rec.Code)
	assert.Len(t, decode[[]assignment.Assignment](t, rec), 1)

	rec = ts.do(t, "POST", "/api/tasks/missing/assignments", "admin", map[string]string{"user_id": "carol"})
	assert.Equal(t, 404, rec.Code)
	rec = ts.do(t, "GET", "/api/tasks/missing/assignments", "", nil)
	assert.Equal(t, 404, rec.Code)

	rec = ts.do(t, "GET", "/api/summary", "carol", nil)
	require.Equal(t, 200, rec.Code)
	sum := decode[summary.Summary](t, rec)
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, []string{tk.ID}, sum.Mine)
	assert.Equal(t, 1, sum.ByCapacity[task.GroupDeliberation])
	assert.Equal(t, 0, sum.ByCapacity[task.Foresight])

	rec = ts.do(t, "DELETE", path+"/carol", "admin", nil)
	assert.Equal(t, 204, rec.Code)
	rec = ts.do(t, "DELETE", path+"/carol", "admin", nil)
	assert.Equal(t, 204, rec.Code, "unassign is idempotent")
}

func TestEventsEndpoints(t *testing.T) {
	ts := newTestServer(t)
	tk := ts.create(t, task.Foresight)
	require.Equal(t, 200, ts.do(t, "POST", "/api/tasks/"+tk.ID+"/claim", "alice", nil).Code)
	require.Equal(t, 200, ts.do(t, "POST", "/api/tasks/"+tk.ID+"/cancel", "admin", map[string]string{"reason": "dup"}).Code)

	rec := ts.do(t, "GET", "/api/events?task="+tk.ID, "", nil)
	require.Equal(t, 200, rec.Code)
	events := decode[[]audit.Event](t, rec)
	require.Len(t, events, 2)
	assert.Equal(t, audit.TaskClaimed, events[0].Type)
	assert.Equal(t, audit.TaskCancelled, events[1].Type)

	rec = ts.do(t, "GET", "/api/events/"+events[0].ID, "", nil)
	require.Equal(t, 200, rec.Code)
	rec = ts.do(t, "GET", "/api/events/nope", "", nil)
	assert.Equal(t, 404, rec.Code)

	rec = ts.do(t, "GET", "/api/events/verify", "", nil)
	require.Equal(t, 200, rec.Code)
	verify := decode[map[string]any](t, rec)
	assert.Equal(t, true, verify["ok"])
	assert.EqualValues(t, 2, verify["count"])
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/events/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	tk := ts.create(t, task.Foresight)
	require.Equal(t, 200, ts.do(t, "POST", "/api/tasks/"+tk.ID+"/claim", "alice", nil).Code)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if strings.HasPrefix(sc.Text(), "data: ") {
				lines <- strings.TrimPrefix(sc.Text(), "data: ")
				return
			}
		}
		close(lines)
	}()

	select {
	case line, ok := <-lines:
		require.True(t, ok, "stream closed")
		var e audit.Event
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		assert.Equal(t, audit.TaskClaimed, e.Type)
		assert.Equal(t, tk.ID, e.TaskID)
	case <-time.After(3 * time.Second):
		t.Fatal("no event received")
	}
}

func TestJWTIdentity(t *testing.T) {
	const secret = "test-secret"
	ts := newTestServer(t, WithJWTSecret(secret))

	sign := func(sub string, key []byte) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		s, err := tok.SignedString(key)
		require.NoError(t, err)
		return s
	}
	call := func(method, path, token string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
		req := httptest.NewRequest(method, path, &buf)
		req.Header.Set(ActorHeader, "spoofed")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		ts.ServeHTTP(rec, req)
		return rec
	}

	rec := call("POST", "/api/tasks", "", map[string]any{"capacity": "foresight"})
	assert.Equal(t, 401, rec.Code, "header identity ignored when JWT is configured")

	rec = call("POST", "/api/tasks", sign("alice", []byte("wrong")), map[string]any{"capacity": "foresight"})
	assert.Equal(t, 401, rec.Code)

	rec = call("POST", "/api/tasks", sign("alice", []byte(secret)), map[string]any{"capacity": "foresight"})
	require.Equal(t, 201, rec.Code, rec.Body.String())
	tk := decode[task.Task](t, rec)

	rec = call("POST", "/api/tasks/"+tk.ID+"/claim", sign("alice", []byte(secret)), nil)
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "alice", decode[lifecycle.ClaimResult](t, rec).Task.Owner)
}
