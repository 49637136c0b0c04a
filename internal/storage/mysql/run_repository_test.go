package mysql

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRunRepositorySaveAndList(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	repo, err := NewMemoryRunRepository(dir)
	if err != nil {
		t.Fatalf("failed to create memory repo: %v", err)
	}

	ctx := context.Background()
	now := time.Now().Unix()
	first := RunRecord{
		TaskID:       "task-1",
		Question:     "哪张表存订单",
		Tables:       []string{"orders"},
		Thought:      "先查表结构",
		Reply:        "orders 表",
		Observations: "list_warehouse_tables 返回 orders",
		Steps: []RunStep{
			{Action: "list_warehouse_tables", Observation: "orders"},
		},
		CreatedAt: now,
	}
	second := RunRecord{
		Question:  "订单总数",
		Reply:     "42",
		CreatedAt: now + 10,
	}

	if err := repo.Save(ctx, first); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := repo.Save(ctx, second); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	list, err := repo.ListLatest(ctx, 10)
	if err != nil {
		t.Fatalf("list latest failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 records, got %d", len(list))
	}
	if list[0].Question != "订单总数" {
		t.Fatalf("records not sorted newest first: %+v", list)
	}
	if len(list[1].Steps) != 1 || list[1].Steps[0].Action != "list_warehouse_tables" {
		t.Fatalf("steps not preserved: %+v", list[1])
	}

	// 重新加载同一目录，验证记录可以从磁盘恢复。
	reloaded, err := NewMemoryRunRepository(dir)
	if err != nil {
		t.Fatalf("failed to reload repo: %v", err)
	}
	restored, err := reloaded.ListLatest(ctx, 10)
	if err != nil {
		t.Fatalf("list after reload failed: %v", err)
	}
	if len(restored) != 2 || restored[0].Question != "订单总数" {
		t.Fatalf("records not restored: %+v", restored)
	}
	if restored[1].TaskID != "task-1" {
		t.Fatalf("task id not restored: %+v", restored[1])
	}
}

func TestMemoryRunRepositoryLimit(t *testing.T) {
	t.Parallel()

	repo, err := NewMemoryRunRepository(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create memory repo: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := repo.Save(ctx, RunRecord{Question: "q", CreatedAt: int64(i)}); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	list, err := repo.ListLatest(ctx, 3)
	if err != nil {
		t.Fatalf("list latest failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 records, got %d", len(list))
	}

	all, err := repo.ListLatest(ctx, 0)
	if err != nil {
		t.Fatalf("list latest failed: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected all records, got %d", len(all))
	}
}

func TestStepCodecRoundTrip(t *testing.T) {
	t.Parallel()

	steps := []RunStep{
		{Action: "warehouse_query", Input: "SELECT 1", Observation: "1"},
	}
	encoded, err := marshalSteps(steps)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	decoded, err := unmarshalSteps(encoded)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(decoded) != 1 || decoded[0].Input != "SELECT 1" {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}

	empty, err := marshalSteps(nil)
	if err != nil || empty != "" {
		t.Fatalf("empty steps should encode to empty string")
	}
	if decoded, err := unmarshalSteps(" "); err != nil || decoded != nil {
		t.Fatalf("blank value should decode to nil")
	}
}
