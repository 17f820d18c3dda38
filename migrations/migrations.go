// Package migrations 内嵌数据库迁移脚本（表结构与存储过程）。
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed postgres/*.sql
var files embed.FS

// Action 迁移方向
type Action string

const (
	Up   Action = "up"
	Down Action = "down"
)

// Statements 读取指定方言的全部迁移文件并拆分为可逐条执行的语句。
//
// up 按文件名升序执行，down 按降序执行。
func Statements(dialect string, action Action) ([]string, error) {
	if action != Up && action != Down {
		return nil, fmt.Errorf("unknown migration action %q", action)
	}

	names, err := fs.Glob(files, fmt.Sprintf("%s/*.%s.sql", dialect, action))
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no %s migrations for dialect %q", action, dialect)
	}

	sort.Strings(names)
	if action == Down {
		sort.Sort(sort.Reverse(sort.StringSlice(names)))
	}

	var stmts []string
	for _, name := range names {
		content, err := files.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		stmts = append(stmts, SplitStatements(string(content))...)
	}
	return stmts, nil
}

// SplitStatements 按分号拆分 SQL，忽略字符串、引用标识符、$tag$ 函数体和 -- 注释中的分号
func SplitStatements(sql string) []string {
	var (
		statements []string
		current    strings.Builder
		quote      rune   // 当前所在的 ' 或 " 引号
		dollarTag  string // 当前所在的 $tag$ 块
	)

	flush := func() {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	for i := 0; i < len(sql); i++ {
		c := sql[i]

		switch {
		case dollarTag != "":
			if strings.HasPrefix(sql[i:], dollarTag) {
				current.WriteString(dollarTag)
				i += len(dollarTag) - 1
				dollarTag = ""
				continue
			}
			current.WriteByte(c)

		case quote != 0:
			current.WriteByte(c)
			if rune(c) == quote {
				quote = 0
			}

		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			// 行注释直接丢弃
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
			current.WriteByte('\n')

		case c == '\'' || c == '"':
			quote = rune(c)
			current.WriteByte(c)

		case c == '$':
			if tag := dollarQuoteTag(sql[i:]); tag != "" {
				dollarTag = tag
				current.WriteString(tag)
				i += len(tag) - 1
				continue
			}
			current.WriteByte(c)

		case c == ';':
			current.WriteByte(c)
			flush()

		default:
			current.WriteByte(c)
		}
	}
	flush()

	return statements
}

// dollarQuoteTag 识别 $$ 或 $name$ 形式的起始标记
func dollarQuoteTag(s string) string {
	if len(s) < 2 || s[0] != '$' {
		return ""
	}
	for j := 1; j < len(s); j++ {
		c := s[j]
		if c == '$' {
			return s[:j+1]
		}
		if !(c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || (j > 1 && c >= '0' && c <= '9')) {
			return ""
		}
	}
	return ""
}
