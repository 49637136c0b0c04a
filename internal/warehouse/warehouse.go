package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	xerrors "OpenLake-Chain/internal/errors"
)

// Config 描述访问 SQL 数仓所需的连接参数与安全限制。
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// MaxRows 限制单次查询返回的行数，防止大模型拖回整张表。
	MaxRows int
	// QueryTimeout 限制单条语句的执行时间。
	QueryTimeout time.Duration
}

// ValidationResult 汇总一条 SQL 的校验结论。
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Problems []string `json:"problems,omitempty"`
}

// Cache 抽象查询结果缓存。仅缓存成功的只读查询。
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Connector 定义智能体工具访问数仓的统一接口。
type Connector interface {
	ListTables(ctx context.Context) ([]string, error)
	TableInfo(ctx context.Context, tables []string) (string, error)
	Query(ctx context.Context, query string) (string, error)
	Validate(ctx context.Context, query string) (ValidationResult, error)
	Close() error
}

// SQLConnector 基于 database/sql 实现 Connector，支持 mysql 与 sqlite 驱动。
type SQLConnector struct {
	db           *sql.DB
	driver       string
	dsnDigest    string
	maxRows      int
	queryTimeout time.Duration
	sampleRows   int
	cache        Cache
}

// Option 定义可选配置。
type Option func(*SQLConnector)

// WithCache 启用查询结果缓存。
func WithCache(cache Cache) Option {
	return func(c *SQLConnector) {
		c.cache = cache
	}
}

const (
	defaultMaxRows      = 200
	defaultSampleRows   = 3
	defaultQueryTimeout = 30 * time.Second
)

// supportedDriver 校验配置的驱动是否受支持。
func supportedDriver(driver string) bool {
	switch driver {
	case "mysql", "sqlite3":
		return true
	default:
		return false
	}
}

// Open 建立数仓连接池并验证连通性。
func Open(ctx context.Context, cfg Config, opts ...Option) (*SQLConnector, error) {
	driver := strings.TrimSpace(cfg.Driver)
	if !supportedDriver(driver) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的数仓驱动: %s", cfg.Driver))
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数仓 DSN 不能为空")
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeWarehouseFailure, err, "连接数仓失败")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeWarehouseFailure, err, "无法连接到数仓")
	}

	connector := &SQLConnector{
		db:           db,
		driver:       driver,
		dsnDigest:    digestDSN(cfg.DSN),
		maxRows:      cfg.MaxRows,
		queryTimeout: cfg.QueryTimeout,
		sampleRows:   defaultSampleRows,
	}
	if connector.maxRows <= 0 {
		connector.maxRows = defaultMaxRows
	}
	if connector.queryTimeout <= 0 {
		connector.queryTimeout = defaultQueryTimeout
	}
	for _, opt := range opts {
		if opt != nil {
			opt(connector)
		}
	}
	return connector, nil
}

// ListTables 返回数仓内的全部表名。
func (c *SQLConnector) ListTables(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	var stmt string
	switch c.driver {
	case "sqlite3":
		stmt = `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	default:
		stmt = `SHOW TABLES`
	}

	rows, err := c.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeWarehouseFailure, err, "查询表列表失败")
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeWarehouseFailure, err, "解析表名失败")
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeWarehouseFailure, err, "遍历表列表失败")
	}
	return tables, nil
}

// TableInfo 输出指定表的列定义与少量示例行。
// 未知表返回 NOT_FOUND，并在消息中列出可用表，方便大模型自行纠正。
func (c *SQLConnector) TableInfo(ctx context.Context, tables []string) (string, error) {
	known, err := c.ListTables(ctx)
	if err != nil {
		return "", err
	}
	knownSet := make(map[string]struct{}, len(known))
	for _, name := range known {
		knownSet[name] = struct{}{}
	}

	requested := normalizeTables(tables)
	if len(requested) == 0 {
		requested = known
	}
	for _, name := range requested {
		if _, ok := knownSet[name]; !ok {
			return "", xerrors.New(xerrors.CodeNotFound,
				fmt.Sprintf("表 %s 不存在，可用表: %s", name, strings.Join(known, ", ")))
		}
	}

	var builder strings.Builder
	for idx, name := range requested {
		if idx > 0 {
			builder.WriteString("\n\n")
		}
		info, err := c.describeTable(ctx, name)
		if err != nil {
			return "", err
		}
		builder.WriteString(info)
	}
	return builder.String(), nil
}

func (c *SQLConnector) describeTable(ctx context.Context, table string) (string, error) {
	if err := checkIdentifier(table); err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "非法表名")
	}

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	quoted := c.quoteIdentifier(table)
	stmt := fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoted, c.sampleRows)

	rows, err := c.db.QueryContext(ctx, stmt)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeWarehouseFailure, err, fmt.Sprintf("读取表 %s 失败", table))
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeWarehouseFailure, err, "读取列定义失败")
	}

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("表 %s:\n列:", table))
	columns := make([]string, 0, len(types))
	for _, col := range types {
		columns = append(columns, col.Name())
		typeName := col.DatabaseTypeName()
		if typeName == "" {
			typeName = "TEXT"
		}
		builder.WriteString(fmt.Sprintf(" %s %s,", col.Name(), typeName))
	}
	content := strings.TrimSuffix(builder.String(), ",")
	builder.Reset()
	builder.WriteString(content)

	rendered, _, err := renderRows(rows, columns, c.sampleRows)
	if err != nil {
		return "", err
	}
	builder.WriteString(fmt.Sprintf("\n示例行 (最多 %d 条):\n", c.sampleRows))
	builder.WriteString(rendered)
	return builder.String(), nil
}

// Query 执行一条只读查询并返回渲染后的结果表。
func (c *SQLConnector) Query(ctx context.Context, query string) (string, error) {
	if problems := guardStatement(query); len(problems) > 0 {
		code := xerrors.CodeInvalidArgument
		if containsMutation(problems) {
			code = xerrors.CodeWarehouseReadOnly
		}
		return "", xerrors.New(code, strings.Join(problems, "；"))
	}

	if c.cache != nil {
		if cached, ok, err := c.cache.Get(ctx, cacheKey(c.driver, c.dsnDigest, query)); err == nil && ok {
			return cached, nil
		}
	}

	queryCtx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	rows, err := c.db.QueryContext(queryCtx, query)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeWarehouseFailure, err, "执行查询失败")
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeWarehouseFailure, err, "读取结果列失败")
	}

	rendered, truncated, err := renderRows(rows, columns, c.maxRows)
	if err != nil {
		return "", err
	}
	if truncated {
		rendered += fmt.Sprintf("\n(结果已截断为前 %d 行)", c.maxRows)
	}

	if c.cache != nil {
		_ = c.cache.Set(ctx, cacheKey(c.driver, c.dsnDigest, query), rendered)
	}
	return rendered, nil
}

// Validate 先做静态检查，再让数据库执行 EXPLAIN 验证语句可被规划。
func (c *SQLConnector) Validate(ctx context.Context, query string) (ValidationResult, error) {
	problems := guardStatement(query)
	if len(problems) > 0 {
		return ValidationResult{Valid: false, Problems: problems}, nil
	}

	queryCtx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	stmt := "EXPLAIN " + strings.TrimSpace(query)
	if c.driver == "sqlite3" {
		stmt = "EXPLAIN QUERY PLAN " + strings.TrimSpace(query)
	}
	rows, err := c.db.QueryContext(queryCtx, stmt)
	if err != nil {
		return ValidationResult{Valid: false, Problems: []string{err.Error()}}, nil
	}
	defer rows.Close()
	if err := rows.Err(); err != nil {
		return ValidationResult{Valid: false, Problems: []string{err.Error()}}, nil
	}
	return ValidationResult{Valid: true}, nil
}

// Close 关闭底层连接池。
func (c *SQLConnector) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *SQLConnector) quoteIdentifier(name string) string {
	parts := strings.Split(name, ".")
	for idx, part := range parts {
		switch c.driver {
		case "sqlite3":
			parts[idx] = `"` + part + `"`
		default:
			parts[idx] = "`" + part + "`"
		}
	}
	return strings.Join(parts, ".")
}

// renderRows 将查询结果渲染为紧凑文本表，最多输出 limit 行。
// 返回值中的布尔量表示结果是否被截断。
func renderRows(rows *sql.Rows, columns []string, limit int) (string, bool, error) {
	var builder strings.Builder
	builder.WriteString(strings.Join(columns, " | "))

	values := make([]any, len(columns))
	pointers := make([]any, len(columns))
	for idx := range values {
		pointers[idx] = &values[idx]
	}

	count := 0
	truncated := false
	for rows.Next() {
		if count >= limit {
			truncated = true
			break
		}
		if err := rows.Scan(pointers...); err != nil {
			return "", false, xerrors.Wrap(xerrors.CodeWarehouseFailure, err, "解析结果行失败")
		}
		cells := make([]string, len(columns))
		for idx, value := range values {
			cells[idx] = renderValue(value)
		}
		builder.WriteString("\n")
		builder.WriteString(strings.Join(cells, " | "))
		count++
	}
	if err := rows.Err(); err != nil {
		return "", false, xerrors.Wrap(xerrors.CodeWarehouseFailure, err, "遍历结果失败")
	}
	if count == 0 {
		builder.WriteString("\n(空结果)")
	}
	return builder.String(), truncated, nil
}

func renderValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(v)
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func normalizeTables(tables []string) []string {
	result := make([]string, 0, len(tables))
	seen := make(map[string]struct{}, len(tables))
	for _, name := range tables {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		result = append(result, name)
	}
	return result
}

var _ Connector = (*SQLConnector)(nil)
