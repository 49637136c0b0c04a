package warehouse

import (
	"strings"
	"testing"
)

func TestGuardStatementAllowsReadQueries(t *testing.T) {
	queries := []string{
		"SELECT id, name FROM orders WHERE status = 'paid'",
		"select count(*) from orders",
		"WITH recent AS (SELECT * FROM orders) SELECT * FROM recent",
		"SHOW TABLES",
		"DESCRIBE orders",
		"EXPLAIN SELECT 1",
		"SELECT created_at FROM orders",
		"SELECT * FROM settings",
	}
	for _, query := range queries {
		if problems := guardStatement(query); len(problems) != 0 {
			t.Fatalf("query %q rejected: %v", query, problems)
		}
	}
}

func TestGuardStatementRejectsMutations(t *testing.T) {
	queries := []string{
		"DELETE FROM orders",
		"insert into orders values (1)",
		"UPDATE orders SET status = 'paid'",
		"DROP TABLE orders",
		"TRUNCATE orders",
		"CREATE TABLE t (id INT)",
	}
	for _, query := range queries {
		problems := guardStatement(query)
		if len(problems) == 0 {
			t.Fatalf("query %q not rejected", query)
		}
		if !containsMutation(problems) {
			t.Fatalf("query %q missing mutation problem: %v", query, problems)
		}
	}
}

func TestGuardStatementRejectsMultipleStatements(t *testing.T) {
	problems := guardStatement("SELECT 1; SELECT 2")
	if len(problems) == 0 {
		t.Fatalf("expected rejection for multiple statements")
	}
	// 尾部分号是合法的。
	if problems := guardStatement("SELECT 1;"); len(problems) != 0 {
		t.Fatalf("trailing semicolon rejected: %v", problems)
	}
	// 字符串字面量中的分号不算语句分隔。
	if problems := guardStatement("SELECT * FROM orders WHERE note = 'a;b'"); len(problems) != 0 {
		t.Fatalf("semicolon inside literal rejected: %v", problems)
	}
}

func TestGuardStatementRejectsEmptyAndUnbalanced(t *testing.T) {
	if problems := guardStatement("   "); len(problems) == 0 {
		t.Fatalf("expected rejection for empty query")
	}
	problems := guardStatement("SELECT * FROM orders WHERE note = 'open")
	found := false
	for _, problem := range problems {
		if strings.Contains(problem, "引号") {
			found = true
		}
	}
	if !found {
		t.Fatalf("unbalanced quote not reported: %v", problems)
	}
}

func TestGuardStatementIgnoresKeywordsInsideLiterals(t *testing.T) {
	if problems := guardStatement("SELECT * FROM orders WHERE note = 'please delete me'"); len(problems) != 0 {
		t.Fatalf("keyword inside literal rejected: %v", problems)
	}
}

func TestCheckIdentifier(t *testing.T) {
	valid := []string{"orders", "analytics.orders", "order_items", "t$1"}
	for _, name := range valid {
		if err := checkIdentifier(name); err != nil {
			t.Fatalf("identifier %q rejected: %v", name, err)
		}
	}
	invalid := []string{"", "orders; drop", "orders`", "a.b.c", "1abc"}
	for _, name := range invalid {
		if err := checkIdentifier(name); err == nil {
			t.Fatalf("identifier %q accepted", name)
		}
	}
}

func TestNormalizeTables(t *testing.T) {
	result := normalizeTables([]string{" orders ", "", "orders", "users"})
	if len(result) != 2 || result[0] != "orders" || result[1] != "users" {
		t.Fatalf("unexpected result: %v", result)
	}
}

func TestCacheKeyStability(t *testing.T) {
	dsn := digestDSN("user:pw@tcp(db-a:3306)/warehouse")
	a := cacheKey("mysql", dsn, "SELECT 1")
	b := cacheKey("mysql", dsn, "  SELECT 1  ")
	if a != b {
		t.Fatalf("whitespace must not change the key")
	}
	if a == cacheKey("sqlite3", dsn, "SELECT 1") {
		t.Fatalf("driver must participate in the key")
	}
	if a == cacheKey("mysql", dsn, "SELECT 2") {
		t.Fatalf("statement must participate in the key")
	}
	// 不同数仓共用 Redis 时，各自的结果不能互相命中。
	if a == cacheKey("mysql", digestDSN("user:pw@tcp(db-b:3306)/warehouse"), "SELECT 1") {
		t.Fatalf("dsn must participate in the key")
	}
	if !strings.HasPrefix(a, "openlake:query:") {
		t.Fatalf("unexpected key prefix: %q", a)
	}
	if strings.Contains(digestDSN("user:secret@tcp(db:3306)/x"), "secret") {
		t.Fatalf("dsn digest must not leak credentials")
	}
}

func TestRenderValue(t *testing.T) {
	if renderValue(nil) != "NULL" {
		t.Fatalf("nil should render as NULL")
	}
	if renderValue([]byte("abc")) != "abc" {
		t.Fatalf("bytes should render as string")
	}
	if renderValue(int64(42)) != "42" {
		t.Fatalf("integers should render verbatim")
	}
}
