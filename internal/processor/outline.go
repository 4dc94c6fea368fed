package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strconv"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/paper-relay/internal/chunking"
)

// Outline は pdfcpu だけで動く組み込みの Processor です。
// チャンクのページを抜き出して検証し、ページごとの見出しを指定形式で出力します。
// 外部コマンドが設定されていない環境（開発・動作確認）で使います。
type Outline struct{}

// NewOutline は Outline を生成します。
func NewOutline() *Outline {
	return &Outline{}
}

type outlineBlock struct {
	BlockType string `json:"block_type"`
	ID        string `json:"id"`
	Page      int    `json:"page"`
	HTML      string `json:"html"`
}

type outlineDocument struct {
	BlockType string         `json:"block_type"`
	Children  []outlineBlock `json:"children"`
}

func (o *Outline) Process(ctx context.Context, sourcePath string, cfg map[string]any) (*Rendered, error) {
	format := OutputFormat(cfg)
	ext, err := Extension(format)
	if err != nil {
		return nil, &Error{Processor: "outline", Err: err}
	}

	pages, err := o.pages(cfg, sourcePath)
	if err != nil {
		return nil, &Error{Processor: "outline", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := extractPages(sourcePath, pages); err != nil {
		return nil, &Error{Processor: "outline", Err: err}
	}

	var content []byte
	switch ext {
	case ".md":
		content = renderMarkdown(pages)
	case ".html":
		content = renderHTML(pages)
	case ".json":
		content, err = renderJSON(pages)
		if err != nil {
			return nil, &Error{Processor: "outline", Err: err}
		}
	}
	return &Rendered{Extension: ext, Content: content}, nil
}

// pages は対象ページ（0始まり）を返します。page_range が無ければ全ページです。
func (o *Outline) pages(cfg map[string]any, sourcePath string) ([]int, error) {
	total, err := pdfapi.PageCountFile(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("count pages: %w", err)
	}
	if spec, ok := cfg[chunking.PageRangeKey].(string); ok && spec != "" {
		return chunking.ParseRangeWithin(spec, total)
	}
	all := make([]int, total)
	for i := range all {
		all[i] = i
	}
	return all, nil
}

// extractPages は pdfcpu でチャンクのページだけを一時ファイルに抜き出し、ページ数を確かめます。
func extractPages(sourcePath string, pages []int) error {
	dir, err := os.MkdirTemp("", "relay-outline-*")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	selection := make([]string, len(pages))
	for i, p := range pages {
		selection[i] = strconv.Itoa(p + 1)
	}
	out := filepath.Join(dir, "chunk.pdf")
	if err := pdfapi.CollectFile(sourcePath, out, selection, nil); err != nil {
		return fmt.Errorf("extract pages: %w", err)
	}
	n, err := pdfapi.PageCountFile(out)
	if err != nil {
		return fmt.Errorf("count extracted pages: %w", err)
	}
	if n != len(pages) {
		return fmt.Errorf("page range %s selects %d pages, document yielded %d", chunking.FormatRange(pages), len(pages), n)
	}
	return nil
}

func renderMarkdown(pages []int) []byte {
	var buf bytes.Buffer
	for i, p := range pages {
		if i > 0 {
			buf.WriteString("\n")
		}
		fmt.Fprintf(&buf, "## Page %d\n", p+1)
	}
	return buf.Bytes()
}

func renderHTML(pages []int) []byte {
	var buf bytes.Buffer
	buf.WriteString("<html><head></head><body>")
	for _, p := range pages {
		fmt.Fprintf(&buf, `<section data-page="%d"><h2>%s</h2></section>`, p, html.EscapeString("Page "+strconv.Itoa(p+1)))
	}
	buf.WriteString("</body></html>")
	return buf.Bytes()
}

func renderJSON(pages []int) ([]byte, error) {
	doc := outlineDocument{BlockType: "Document", Children: make([]outlineBlock, 0, len(pages))}
	for _, p := range pages {
		doc.Children = append(doc.Children, outlineBlock{
			BlockType: "Page",
			ID:        fmt.Sprintf("/page/%d/Page/0", p),
			Page:      p,
			HTML:      fmt.Sprintf("<h2>Page %d</h2>", p+1),
		})
	}
	return json.Marshal(doc)
}
