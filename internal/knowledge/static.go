package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Provider 是 Agent 侧的知识检索入口，
// hints 里可以附带表名之类的线索参与匹配。
type Provider interface {
	Query(question string, hints ...string) []Snippet
}

// Snippet 是可以塞进提示词的一段参考资料。
type Snippet struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords"`
	Tags     []string `json:"tags"`
}

// StaticProvider 在内存中对固定条目做关键字检索。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 用给定条目构建检索器，maxResults 非法时取 3。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 解析 JSON 条目文件并构建检索器。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("缺少知识库文件路径")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("知识库路径无法规范化: %w", err)
	}
	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("打开知识库文件失败: %w", err)
	}
	defer file.Close()

	var entries []Snippet
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("知识库文件不是合法的 JSON 数组: %w", err)
	}
	return NewStaticProvider(entries, maxResults), nil
}

// Query 根据问题与线索对知识条目做关键字打分，返回得分最高的若干条。
func (p *StaticProvider) Query(question string, hints ...string) []Snippet {
	if p == nil {
		return nil
	}

	haystack := strings.ToLower(strings.TrimSpace(question))
	for _, hint := range hints {
		hint = strings.ToLower(strings.TrimSpace(hint))
		if hint != "" {
			haystack += " " + hint
		}
	}

	type scored struct {
		snippet Snippet
		score   int
		index   int
	}
	candidates := make([]scored, 0, len(p.items))
	for idx, item := range p.items {
		score := scoreSnippet(item, haystack)
		if score <= 0 {
			continue
		}
		candidates = append(candidates, scored{snippet: item, score: score, index: idx})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score == candidates[j].score {
			return candidates[i].index < candidates[j].index
		}
		return candidates[i].score > candidates[j].score
	})

	results := make([]Snippet, 0, p.maxResults)
	for _, candidate := range candidates {
		results = append(results, candidate.snippet)
		if len(results) >= p.maxResults {
			break
		}
	}
	return results
}

// scoreSnippet 统计关键字与标签在问题文本中的命中次数。
// 没有任何关键字的条目视为通用知识，命中分最低。
func scoreSnippet(snippet Snippet, haystack string) int {
	if len(snippet.Keywords) == 0 && len(snippet.Tags) == 0 {
		return 1
	}
	score := countHits(haystack, snippet.Keywords) * 2
	score += countHits(haystack, snippet.Tags)
	return score
}

func countHits(haystack string, terms []string) int {
	hits := 0
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" && strings.Contains(haystack, term) {
			hits++
		}
	}
	return hits
}

var _ Provider = (*StaticProvider)(nil)
