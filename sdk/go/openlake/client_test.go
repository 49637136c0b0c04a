package openlake

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAuthenticateStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/auth/token" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var creds Credentials
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if creds.Username != "analyst" {
			t.Fatalf("unexpected username: %s", creds.Username)
		}
		_ = json.NewEncoder(w).Encode(Token{
			AccessToken: "abc123",
			ExpiresIn:   3600,
			TokenType:   "Bearer",
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if _, err := client.Authenticate(context.Background(), Credentials{Username: "analyst", Password: "s3cret"}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if got := client.AccessToken(); got != "abc123" {
		t.Fatalf("expected token abc123, got %q", got)
	}
}

func TestSubmitTaskSendsToken(t *testing.T) {
	taskSubmitted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/token":
			_ = json.NewEncoder(w).Encode(Token{AccessToken: "token"})
		case "/api/v1/tasks":
			if r.Header.Get("Authorization") != "Bearer token" {
				t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
			}
			var submission TaskSubmission
			if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
				t.Fatalf("decode submission: %v", err)
			}
			if submission.Question != "订单总数" {
				t.Fatalf("unexpected question: %s", submission.Question)
			}
			taskSubmitted = true
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(Task{ID: "task-1", Status: "pending"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if _, err := client.Authenticate(context.Background(), Credentials{}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	created, err := client.SubmitTask(context.Background(), TaskSubmission{Question: "订单总数"})
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	if created.ID != "task-1" || created.Status != "pending" {
		t.Fatalf("unexpected task: %+v", created)
	}
	if !taskSubmitted {
		t.Fatal("task was not submitted")
	}
}

func TestListTasksEncodesFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		query := r.URL.Query()
		if query.Get("status") != "failed,succeeded" || query.Get("limit") != "5" || query.Get("has_result") != "true" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]Task{{ID: "t1", Status: "succeeded"}})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	hasResult := true
	tasks, err := client.ListTasks(context.Background(), ListFilter{
		Statuses:  []string{"failed", "succeeded"},
		Limit:     5,
		HasResult: &hasResult,
	})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t1" {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
}

func TestGetTaskError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/tasks/task-404" {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.GetTask(context.Background(), "task-404")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "task not found" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestWaitForTaskPollsUntilTerminal(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		status := "running"
		var result *TaskResult
		if calls >= 3 {
			status = "succeeded"
			result = &TaskResult{Reply: "42"}
		}
		_ = json.NewEncoder(w).Encode(Task{ID: "task-wait", Status: status, Result: result})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := client.WaitForTask(ctx, "task-wait", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for task: %v", err)
	}
	if final.Status != "succeeded" || final.Result == nil || final.Result.Reply != "42" {
		t.Fatalf("unexpected final task: %+v", final)
	}
	if calls < 3 {
		t.Fatalf("expected at least 3 polls, got %d", calls)
	}
}
