package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"OpenLake-Chain/internal/auth"
	"OpenLake-Chain/internal/task"
)

func newTestServer(t *testing.T) (*Server, *task.MemoryStore) {
	t.Helper()
	store := task.NewMemoryStore()
	queue := task.NewMemoryQueue(16)
	svc := task.NewService(store, queue, 3)
	return NewServer(":0", svc), store
}

func TestHandleTaskDetailSuccess(t *testing.T) {
	server, store := newTestServer(t)

	sample := &task.Task{
		ID:         "task-success",
		Question:   "昨天的订单量是多少",
		Status:     task.StatusSucceeded,
		Attempts:   1,
		MaxRetries: 3,
		CreatedAt:  1700000000,
		UpdatedAt:  1700000001,
		Result: &task.ExecutionResult{
			Reply: "ok",
		},
	}
	if err := store.Create(context.Background(), sample); err != nil {
		t.Fatalf("create sample task: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/task-success", nil)
	rec := httptest.NewRecorder()

	server.handleTaskDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}

	var got task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != sample.ID {
		t.Fatalf("unexpected task id: got %q want %q", got.ID, sample.ID)
	}
	if got.Result == nil || got.Result.Reply != "ok" {
		t.Fatalf("unexpected task result: %+v", got.Result)
	}
}

func TestHandleTaskDetailErrors(t *testing.T) {
	server, _ := newTestServer(t)

	t.Run("invalid method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/task-1", nil)
		rec := httptest.NewRecorder()

		server.handleTaskDetail(rec, req)

		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/", nil)
		rec := httptest.NewRecorder()

		server.handleTaskDetail(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/missing", nil)
		rec := httptest.NewRecorder()

		server.handleTaskDetail(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})
}

func TestHandleCreateTaskAccepted(t *testing.T) {
	server, store := newTestServer(t)

	body := strings.NewReader(`{"question":"统计活跃用户","tables":["users"]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", body)
	rec := httptest.NewRecorder()

	server.handleTasks(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var created task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.ID == "" || created.Status != task.StatusPending {
		t.Fatalf("unexpected created task: %+v", created)
	}

	stored, err := store.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get stored task: %v", err)
	}
	if stored.Question != "统计活跃用户" {
		t.Fatalf("unexpected stored question: %q", stored.Question)
	}
}

func TestHandleCreateTaskValidation(t *testing.T) {
	server, _ := newTestServer(t)

	t.Run("bad json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader("{"))
		rec := httptest.NewRecorder()
		server.handleTasks(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("empty question", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(`{"question":"  "}`))
		rec := httptest.NewRecorder()
		server.handleTasks(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestHandleListTasksFilters(t *testing.T) {
	server, store := newTestServer(t)
	ctx := context.Background()

	seed := []*task.Task{
		{ID: "p1", Question: "q1", Status: task.StatusPending, MaxRetries: 3},
		{ID: "f1", Question: "q2", Status: task.StatusFailed, MaxRetries: 3},
	}
	for _, item := range seed {
		if err := store.Create(ctx, item); err != nil {
			t.Fatalf("create %s: %v", item.ID, err)
		}
	}
	if err := store.MarkFailed(ctx, "f1", task.CodeTaskProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks?status=failed&limit=10", nil)
	rec := httptest.NewRecorder()
	server.handleTasks(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var results []*task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(results) != 1 || results[0].ID != "f1" {
		t.Fatalf("unexpected results: %+v", results)
	}

	// 非法状态拒绝。
	req = httptest.NewRequest(http.MethodGet, "/api/v1/tasks?status=bogus", nil)
	rec = httptest.NewRecorder()
	server.handleTasks(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bogus status, got %d", rec.Code)
	}
}

func TestHandleTaskStats(t *testing.T) {
	server, store := newTestServer(t)
	ctx := context.Background()

	if err := store.Create(ctx, &task.Task{ID: "s1", Question: "q", Status: task.StatusPending, MaxRetries: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &task.Task{ID: "s2", Question: "q", Status: task.StatusPending, MaxRetries: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "s2", task.ExecutionResult{Reply: "ok"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/stats", nil)
	rec := httptest.NewRecorder()
	server.handleTaskStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats task.TaskStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Total != 2 || stats.Pending != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestHandlerRoutesWithAuth(t *testing.T) {
	store := task.NewMemoryStore()
	queue := task.NewMemoryQueue(16)
	svc := task.NewService(store, queue, 3)

	userStore, err := auth.NewMemoryStore([]auth.Seed{{
		Username:    "analyst",
		Password:    "s3cret",
		Permissions: []string{auth.PermissionTasksRead, auth.PermissionTasksWrite, auth.PermissionStatsRead},
	}})
	if err != nil {
		t.Fatalf("auth store: %v", err)
	}
	authSvc, err := auth.NewService(context.Background(), auth.Config{
		Mode: auth.ModeJWT,
		JWT:  auth.JWTOptions{Secret: "api-test-secret"},
	}, userStore)
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}

	server := NewServer(":0", svc, WithAuthService(authSvc))
	handler := server.Handler()

	// 未登录访问任务接口被拒绝。
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	// 健康检查无需令牌。
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for healthz, got %d", rec.Code)
	}

	// 换取令牌后可以访问。
	tokenBody := strings.NewReader(`{"username":"analyst","password":"s3cret"}`)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", tokenBody)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for token, got %d: %s", rec.Code, rec.Body.String())
	}
	var pair auth.TokenPair
	if err := json.Unmarshal(rec.Body.Bytes(), &pair); err != nil {
		t.Fatalf("decode token pair: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
}

func TestHandleTokenDisabled(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	server.handleToken(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when auth disabled, got %d", rec.Code)
	}
}
