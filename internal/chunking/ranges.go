// Package chunking はページ範囲の解析と、ジョブのチャンク分割を提供します。
package chunking

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// RangeParseError は範囲指定の構文エラーです。Token に問題のあった要素が入ります。
type RangeParseError struct {
	Expr   string
	Token  string
	Reason string
}

func (e *RangeParseError) Error() string {
	return fmt.Sprintf("invalid page range %q: token %q: %s", e.Expr, e.Token, e.Reason)
}

// ParseRange は "1-3,5-9,18" のような範囲指定をページ番号の昇順リストに展開します。
// 重複は除去され、入力の順序に関わらず昇順になります。
func ParseRange(expr string) ([]int, error) {
	return parseRange(expr, -1)
}

// ParseRangeWithin は ParseRange と同じですが、limit 以上のページを含む要素を
// 展開する前にエラーにします。limit はドキュメントのページ数です。
func ParseRangeWithin(expr string, limit int) ([]int, error) {
	if limit < 0 {
		limit = 0
	}
	return parseRange(expr, limit)
}

func parseRange(expr string, limit int) ([]int, error) {
	segments := strings.Split(expr, ",")
	seen := make(map[int]struct{})
	pages := make([]int, 0, len(segments))

	for _, seg := range segments {
		token := strings.TrimSpace(seg)
		start, end, err := parseToken(token)
		if err != nil {
			return nil, &RangeParseError{Expr: expr, Token: token, Reason: err.Error()}
		}
		if limit >= 0 && end >= limit {
			return nil, &RangeParseError{Expr: expr, Token: token, Reason: fmt.Sprintf("page %d is beyond the last page (%d pages)", end, limit)}
		}
		for p := start; p <= end; p++ {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			pages = append(pages, p)
		}
	}

	sort.Ints(pages)
	return pages, nil
}

func parseToken(token string) (int, int, error) {
	if token == "" {
		return 0, 0, fmt.Errorf("empty segment")
	}
	if !strings.Contains(token, "-") {
		page, err := parseUnit(token)
		if err != nil {
			return 0, 0, err
		}
		return page, page, nil
	}

	parts := strings.Split(token, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected a single dash")
	}
	start, err := parseUnit(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("range start: %w", err)
	}
	end, err := parseUnit(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("range end: %w", err)
	}
	if end < start {
		return 0, 0, fmt.Errorf("range end before start")
	}
	return start, end, nil
}

func parseUnit(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("missing number")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("not an integer")
	}
	if n < 0 {
		return 0, fmt.Errorf("negative page")
	}
	return n, nil
}

// FormatRange はページ番号リストをカンマ区切りの範囲指定に戻します。
func FormatRange(pages []int) string {
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}
