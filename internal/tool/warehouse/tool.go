// Package warehousetool 提供面向数仓的四个智能体工具：
// 列出表、查看表结构、执行只读查询与校验 SQL。
package warehousetool

import (
	"context"
	"strings"

	xerrors "OpenLake-Chain/internal/errors"
	"OpenLake-Chain/internal/tool"
	"OpenLake-Chain/internal/warehouse"
)

const (
	// ListTablesName 列出全部可用表。
	ListTablesName = "list_warehouse_tables"
	// TableInfoName 查看表结构与示例行。
	TableInfoName = "warehouse_table_info"
	// QueryName 执行只读查询。
	QueryName = "warehouse_query"
	// ValidatorName 在执行前校验 SQL。
	ValidatorName = "warehouse_query_validator"
)

// ListTablesTool 返回数仓中全部可用表名。
type ListTablesTool struct {
	conn warehouse.Connector
}

// NewListTablesTool 创建列表工具。
func NewListTablesTool(conn warehouse.Connector) *ListTablesTool {
	return &ListTablesTool{conn: conn}
}

// Definition 实现 tool.Tool。
func (t *ListTablesTool) Definition() tool.Definition {
	return tool.Definition{
		Name:        ListTablesName,
		Description: "列出数仓中全部可查询的表名，逗号分隔。不需要输入。",
		Tags:        []string{"warehouse"},
	}
}

// Run 实现 tool.Tool，忽略输入。
func (t *ListTablesTool) Run(ctx context.Context, _ tool.Invocation) (string, error) {
	tables, err := t.conn.ListTables(ctx)
	if err != nil {
		return "", err
	}
	if len(tables) == 0 {
		return "(数仓中没有可查询的表)", nil
	}
	return strings.Join(tables, ", "), nil
}

// TableInfoTool 输出指定表的结构与示例行。
type TableInfoTool struct {
	conn warehouse.Connector
}

// NewTableInfoTool 创建表结构工具。
func NewTableInfoTool(conn warehouse.Connector) *TableInfoTool {
	return &TableInfoTool{conn: conn}
}

// Definition 实现 tool.Tool。
func (t *TableInfoTool) Definition() tool.Definition {
	return tool.Definition{
		Name:        TableInfoName,
		Description: "查看指定表的列定义与少量示例行。输入为逗号分隔的表名，留空则返回全部表。先用 " + ListTablesName + " 确认表存在。",
		Args: []tool.Arg{
			{Name: "tables", Type: "string", Description: "逗号分隔的表名列表"},
		},
		Tags: []string{"warehouse"},
	}
}

// Run 实现 tool.Tool。未知表转为 ExecError，交由错误策略反馈给大模型纠正。
func (t *TableInfoTool) Run(ctx context.Context, inv tool.Invocation) (string, error) {
	tables := splitTables(inv.Args["tables"], inv.Raw)
	info, err := t.conn.TableInfo(ctx, tables)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeNotFound {
			return "", &tool.ExecError{Message: messageOf(err), Cause: err}
		}
		return "", err
	}
	return info, nil
}

// QueryTool 执行一条只读 SQL 并返回渲染后的结果。
type QueryTool struct {
	conn warehouse.Connector
}

// NewQueryTool 创建查询工具。
func NewQueryTool(conn warehouse.Connector) *QueryTool {
	return &QueryTool{conn: conn}
}

// Definition 实现 tool.Tool。
func (t *QueryTool) Definition() tool.Definition {
	return tool.Definition{
		Name: QueryName,
		Description: "对数仓执行一条只读 SQL 并返回结果。输入必须是完整、语法正确的查询语句。" +
			"如果返回错误，请修改语句后重试；不确定列名时先用 " + TableInfoName + " 查看表结构。",
		Args: []tool.Arg{
			{Name: "query", Type: "string", Required: true, Description: "要执行的只读 SQL"},
		},
		Tags: []string{"warehouse"},
	}
}

// Run 实现 tool.Tool。语句被拒绝或执行失败都转为 ExecError，
// 让大模型看到数据库的报错文本并自行改写 SQL。
func (t *QueryTool) Run(ctx context.Context, inv tool.Invocation) (string, error) {
	query := inv.Args["query"]
	if query == "" {
		query = inv.Raw
	}
	result, err := t.conn.Query(ctx, query)
	if err != nil {
		switch xerrors.CodeOf(err) {
		case xerrors.CodeInvalidArgument, xerrors.CodeWarehouseReadOnly, xerrors.CodeWarehouseFailure:
			return "", &tool.ExecError{Message: messageOf(err), Cause: err}
		}
		return "", err
	}
	return result, nil
}

// ValidatorTool 在执行前对 SQL 做静态与计划级校验。
type ValidatorTool struct {
	conn warehouse.Connector
}

// NewValidatorTool 创建校验工具。
func NewValidatorTool(conn warehouse.Connector) *ValidatorTool {
	return &ValidatorTool{conn: conn}
}

// Definition 实现 tool.Tool。
func (t *ValidatorTool) Definition() tool.Definition {
	return tool.Definition{
		Name:        ValidatorName,
		Description: "校验一条 SQL 是否可以执行，总是在 " + QueryName + " 之前使用。输出 VALID 或问题列表。",
		Args: []tool.Arg{
			{Name: "query", Type: "string", Required: true, Description: "要校验的 SQL"},
		},
		Tags: []string{"warehouse"},
	}
}

// Run 实现 tool.Tool。校验结论永远作为观察结果返回，不报错。
func (t *ValidatorTool) Run(ctx context.Context, inv tool.Invocation) (string, error) {
	query := inv.Args["query"]
	if query == "" {
		query = inv.Raw
	}
	result, err := t.conn.Validate(ctx, query)
	if err != nil {
		return "", err
	}
	if result.Valid {
		return "VALID", nil
	}
	return "INVALID: " + strings.Join(result.Problems, "；"), nil
}

// Toolkit 返回一套完整的数仓工具。
func Toolkit(conn warehouse.Connector) []tool.Tool {
	return []tool.Tool{
		NewListTablesTool(conn),
		NewTableInfoTool(conn),
		NewQueryTool(conn),
		NewValidatorTool(conn),
	}
}

func messageOf(err error) string {
	if coded, ok := xerrors.From(err); ok {
		return coded.Message()
	}
	return err.Error()
}

func splitTables(arg, raw string) []string {
	source := arg
	if source == "" {
		source = raw
	}
	if strings.TrimSpace(source) == "" {
		return nil
	}
	parts := strings.Split(source, ",")
	tables := make([]string, 0, len(parts))
	for _, part := range parts {
		if name := strings.TrimSpace(part); name != "" {
			tables = append(tables, name)
		}
	}
	return tables
}
