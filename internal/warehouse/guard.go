package warehouse

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// 只读防线：这些关键字出现在语句开头或词边界上时直接拒绝。
var mutationKeywords = []string{
	"insert", "update", "delete", "drop", "alter", "create",
	"truncate", "replace", "grant", "revoke", "merge", "call",
	"attach", "detach", "vacuum", "set",
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(\.[A-Za-z_][A-Za-z0-9_$]*)?$`)

const mutationProblem = "数仓连接是只读的，不允许修改类语句"

// checkIdentifier 校验表名只包含安全字符，防止拼接注入。
func checkIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("标识符 %q 包含非法字符", name)
	}
	return nil
}

// guardStatement 对一条 SQL 做静态检查，返回全部问题列表。
// 顺序固定，便于测试与稳定的用户反馈。
func guardStatement(query string) []string {
	var problems []string

	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return []string{"SQL 语句不能为空"}
	}

	stripped := stripStringLiterals(trimmed)

	if strings.Contains(strings.TrimSuffix(stripped, ";"), ";") {
		problems = append(problems, "一次只能执行一条语句")
	}

	if strings.Count(trimmed, "'")%2 != 0 || strings.Count(trimmed, "\"")%2 != 0 {
		problems = append(problems, "引号不成对")
	}

	lowered := strings.ToLower(stripped)
	firstWord := firstToken(lowered)
	switch firstWord {
	case "select", "with", "show", "describe", "desc", "explain":
		// 允许的只读语句。
	default:
		problems = append(problems, mutationProblem)
		return problems
	}

	for _, keyword := range mutationKeywords {
		if containsWord(lowered, keyword) {
			// WITH ... 中的 create 等子串不应误报，按词边界匹配。
			problems = append(problems, mutationProblem)
			break
		}
	}
	return problems
}

func containsMutation(problems []string) bool {
	for _, problem := range problems {
		if problem == mutationProblem {
			return true
		}
	}
	return false
}

func firstToken(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// containsWord 按词边界匹配关键字，避免列名误报（如 created_at 中的 create）。
func containsWord(text, word string) bool {
	idx := 0
	for {
		pos := strings.Index(text[idx:], word)
		if pos < 0 {
			return false
		}
		start := idx + pos
		end := start + len(word)
		beforeOK := start == 0 || !isWordChar(text[start-1])
		afterOK := end == len(text) || !isWordChar(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')
}

// stripStringLiterals 把字符串字面量替换为空串，避免其中的分号与关键字影响判断。
func stripStringLiterals(query string) string {
	var builder strings.Builder
	var quote byte
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if quote != 0 {
			if ch == quote {
				quote = 0
				builder.WriteByte(ch)
			}
			continue
		}
		if ch == '\'' || ch == '"' {
			quote = ch
		}
		builder.WriteByte(ch)
	}
	return builder.String()
}

// cacheKey 由驱动、DSN 摘要与语句内容生成稳定的缓存键。
// DSN 必须参与哈希，否则共用一个 Redis 的多套数仓会互相串缓存。
func cacheKey(driver, dsnDigest, query string) string {
	digest := sha256.Sum256([]byte(driver + "\x00" + dsnDigest + "\x00" + strings.TrimSpace(query)))
	return "openlake:query:" + hex.EncodeToString(digest[:])
}

// digestDSN 把连接串收敛为短摘要，避免密码明文进入缓存键。
func digestDSN(dsn string) string {
	digest := sha256.Sum256([]byte(strings.TrimSpace(dsn)))
	return hex.EncodeToString(digest[:8])
}
