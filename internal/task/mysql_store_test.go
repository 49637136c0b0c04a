package task

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// openSQLStore 在内存 SQLite 上铺一张与线上同构的表，
// 用来验证存储层的 SQL 与扫描逻辑。
func openSQLStore(t *testing.T) *MySQLStore {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	const schema = `CREATE TABLE task_states (
	id                  TEXT PRIMARY KEY,
	question            TEXT NOT NULL,
	target_tables       TEXT,
	metadata            TEXT,
	status              TEXT NOT NULL,
	attempts            INTEGER NOT NULL,
	max_retries         INTEGER NOT NULL,
	last_error          TEXT,
	error_code          TEXT,
	result_thought      TEXT,
	result_reply        TEXT,
	result_steps        TEXT,
	result_observations TEXT,
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL
)`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return &MySQLStore{db: db}
}

// 新建的任务还没有执行结果，结果列全是 NULL，读取不能因此报错。
func TestSQLStoreGetBeforeResult(t *testing.T) {
	store := openSQLStore(t)
	ctx := context.Background()

	created := &Task{
		ID:         "t1",
		Question:   "订单总数",
		Tables:     []string{"orders"},
		Metadata:   map[string]any{"source": "api"},
		Status:     StatusPending,
		MaxRetries: 2,
	}
	if err := store.Create(ctx, created); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get after create: %v", err)
	}
	if got.Status != StatusPending || got.Result != nil {
		t.Fatalf("unexpected fresh task: %+v", got)
	}
	if len(got.Tables) != 1 || got.Tables[0] != "orders" {
		t.Fatalf("unexpected tables: %v", got.Tables)
	}

	claimed, err := store.Claim(ctx, "t1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed task: %+v", claimed)
	}

	if err := store.MarkFailed(ctx, "t1", CodeTaskProcessing, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	failed, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get failed task: %v", err)
	}
	if failed.Status != StatusFailed || failed.Result != nil {
		t.Fatalf("unexpected failed task: %+v", failed)
	}
}

func TestSQLStoreResultRoundTrip(t *testing.T) {
	store := openSQLStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, &Task{ID: "t1", Question: "q", Status: StatusPending, MaxRetries: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Claim(ctx, "t1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	result := ExecutionResult{
		Thought: "count orders",
		Reply:   "42",
		Steps:   []ExecutionStep{{Action: "warehouse_query", Input: "SELECT 1", Observation: "1"}},
	}
	if err := store.MarkSucceeded(ctx, "t1", result); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	got, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusSucceeded || got.Result == nil {
		t.Fatalf("unexpected task: %+v", got)
	}
	if got.Result.Reply != "42" || len(got.Result.Steps) != 1 {
		t.Fatalf("unexpected result: %+v", got.Result)
	}

	if _, err := store.Claim(ctx, "t1"); !errors.Is(err, ErrTaskCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}
}
