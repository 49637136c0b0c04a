package warehousetool

import (
	"context"
	"errors"
	"strings"
	"testing"

	xerrors "OpenLake-Chain/internal/errors"
	"OpenLake-Chain/internal/tool"
	"OpenLake-Chain/internal/warehouse"
)

type fakeConnector struct {
	tables      []string
	tableInfo   string
	tableErr    error
	queryResult string
	queryErr    error
	validation  warehouse.ValidationResult

	lastTables []string
	lastQuery  string
}

func (f *fakeConnector) ListTables(context.Context) ([]string, error) {
	return f.tables, nil
}

func (f *fakeConnector) TableInfo(_ context.Context, tables []string) (string, error) {
	f.lastTables = tables
	if f.tableErr != nil {
		return "", f.tableErr
	}
	return f.tableInfo, nil
}

func (f *fakeConnector) Query(_ context.Context, query string) (string, error) {
	f.lastQuery = query
	if f.queryErr != nil {
		return "", f.queryErr
	}
	return f.queryResult, nil
}

func (f *fakeConnector) Validate(context.Context, string) (warehouse.ValidationResult, error) {
	return f.validation, nil
}

func (f *fakeConnector) Close() error { return nil }

func TestListTablesTool(t *testing.T) {
	conn := &fakeConnector{tables: []string{"orders", "users"}}
	out, err := NewListTablesTool(conn).Run(context.Background(), tool.Invocation{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "orders, users" {
		t.Fatalf("unexpected output: %q", out)
	}

	conn.tables = nil
	out, err = NewListTablesTool(conn).Run(context.Background(), tool.Invocation{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "没有") {
		t.Fatalf("empty warehouse should be explained: %q", out)
	}
}

func TestTableInfoToolSplitsInput(t *testing.T) {
	conn := &fakeConnector{tableInfo: "CREATE TABLE orders (...)"}
	inv := tool.Invocation{Args: map[string]string{"tables": " orders , users "}}
	out, err := NewTableInfoTool(conn).Run(context.Background(), inv)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != conn.tableInfo {
		t.Fatalf("unexpected output: %q", out)
	}
	if len(conn.lastTables) != 2 || conn.lastTables[0] != "orders" || conn.lastTables[1] != "users" {
		t.Fatalf("tables not split: %v", conn.lastTables)
	}
}

func TestTableInfoToolUnknownTableBecomesExecError(t *testing.T) {
	conn := &fakeConnector{
		tableErr: xerrors.New(xerrors.CodeNotFound, "表 ghosts 不存在，可用表: orders"),
	}
	_, err := NewTableInfoTool(conn).Run(context.Background(), tool.Invocation{Raw: "ghosts"})
	execErr, ok := tool.AsExecError(err)
	if !ok {
		t.Fatalf("expected ExecError, got %v", err)
	}
	if !strings.Contains(execErr.Message, "ghosts") {
		t.Fatalf("message should name the table: %q", execErr.Message)
	}
}

func TestQueryToolFallsBackToRawInput(t *testing.T) {
	conn := &fakeConnector{queryResult: "id\n1"}
	out, err := NewQueryTool(conn).Run(context.Background(), tool.Invocation{Raw: "SELECT id FROM orders"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "id\n1" {
		t.Fatalf("unexpected output: %q", out)
	}
	if conn.lastQuery != "SELECT id FROM orders" {
		t.Fatalf("raw input not forwarded: %q", conn.lastQuery)
	}
}

func TestQueryToolWarehouseFailureBecomesExecError(t *testing.T) {
	cause := errors.New("no such column: nmae")
	conn := &fakeConnector{
		queryErr: xerrors.Wrap(xerrors.CodeWarehouseFailure, cause, "执行查询失败"),
	}
	_, err := NewQueryTool(conn).Run(context.Background(), tool.Invocation{Raw: "SELECT nmae FROM orders"})
	if _, ok := tool.AsExecError(err); !ok {
		t.Fatalf("expected ExecError, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("cause should be preserved")
	}
}

func TestValidatorToolNeverErrors(t *testing.T) {
	conn := &fakeConnector{validation: warehouse.ValidationResult{Valid: true}}
	out, err := NewValidatorTool(conn).Run(context.Background(), tool.Invocation{Raw: "SELECT 1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "VALID" {
		t.Fatalf("unexpected output: %q", out)
	}

	conn.validation = warehouse.ValidationResult{Valid: false, Problems: []string{"引号不成对"}}
	out, err = NewValidatorTool(conn).Run(context.Background(), tool.Invocation{Raw: "SELECT '1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasPrefix(out, "INVALID") || !strings.Contains(out, "引号不成对") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestToolkitDefinitions(t *testing.T) {
	conn := &fakeConnector{}
	registry := tool.NewRegistry()
	for _, item := range Toolkit(conn) {
		runner, err := tool.NewRunner(item, tool.WithErrorHandler(tool.DefaultErrorText))
		if err != nil {
			t.Fatalf("runner %s: %v", item.Definition().Name, err)
		}
		if err := registry.Register(runner); err != nil {
			t.Fatalf("register %s: %v", item.Definition().Name, err)
		}
	}
	if registry.Len() != 4 {
		t.Fatalf("expected 4 tools, got %d", registry.Len())
	}
	for _, name := range []string{ListTablesName, TableInfoName, QueryName, ValidatorName} {
		if _, ok := registry.Lookup(name); !ok {
			t.Fatalf("tool %s not registered", name)
		}
	}
}
