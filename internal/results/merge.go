package results

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/yourusername/paper-relay/internal/logging"
	"github.com/yourusername/paper-relay/internal/metrics"
)

// Merged は結合済みの結果です。
type Merged struct {
	Content string
	Ext     string
}

// MergeFormatError は成果物の形式を結合できない場合のエラーです。
type MergeFormatError struct {
	Ext string
	Err error
}

func (e *MergeFormatError) Error() string {
	return fmt.Sprintf("cannot merge %q results: %v", e.Ext, e.Err)
}

func (e *MergeFormatError) Unwrap() error {
	return e.Err
}

// Engine は全チャンクが揃ったジョブの成果物を1つに結合し、merged.{ext} として保存します。
type Engine struct {
	store     Store
	inspector *Inspector
	logger    logrus.FieldLogger
	metrics   *metrics.Metrics
}

// NewEngine は Engine を生成します。
func NewEngine(store Store, logger logrus.FieldLogger, m *metrics.Metrics) *Engine {
	return &Engine{
		store:     store,
		inspector: NewInspector(store),
		logger:    logging.Component(logger, "merge"),
		metrics:   m,
	}
}

// TryMerge はジョブの結合結果を返します。まだ揃っていなければ nil, nil を返します。
// 結合済みのキャッシュがあればそれを返し、再結合はしません。
func (e *Engine) TryMerge(ctx context.Context, jobID string) (*Merged, error) {
	cached, ok, err := e.inspector.Merged(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if ok {
		e.metrics.ObserveMerge("cached")
		return cached, nil
	}

	artifacts, err := e.inspector.Artifacts(ctx, jobID)
	if err != nil {
		return nil, err
	}
	complete, ok := completeSet(artifacts)
	if !ok {
		e.metrics.ObserveMerge("pending")
		return nil, nil
	}

	parts := make([]string, len(complete))
	for i, a := range complete {
		data, err := e.store.Read(ctx, a.Key)
		if err != nil {
			return nil, err
		}
		parts[i] = string(data)
	}

	ext := complete[0].Ext
	content, err := mergeParts(ext, parts)
	if err != nil {
		e.metrics.ObserveMerge("error")
		e.logger.WithError(err).WithField("job_id", jobID).Error("failed to merge chunk results")
		return nil, err
	}

	if err := e.store.Write(ctx, jobKey(jobID, MergedName(ext)), []byte(content)); err != nil {
		return nil, err
	}
	e.metrics.ObserveMerge("merged")
	e.logger.WithField("job_id", jobID).Infof("merged %d chunks into %s", len(complete), MergedName(ext))
	return &Merged{Content: content, Ext: ext}, nil
}

// completeSet は先頭の成果物の num_chunks と拡張子に一致するものを集め、
// インデックス 0..num_chunks-1 が重複なく揃っていれば順に返します。
func completeSet(artifacts []Artifact) ([]Artifact, bool) {
	if len(artifacts) == 0 {
		return nil, false
	}
	num := artifacts[0].NumChunks
	ext := artifacts[0].Ext

	byIndex := make([]*Artifact, num)
	found := 0
	for i := range artifacts {
		a := artifacts[i]
		if a.NumChunks != num || a.Ext != ext || byIndex[a.Index] != nil {
			continue
		}
		byIndex[a.Index] = &artifacts[i]
		found++
	}
	if found != num {
		return nil, false
	}

	out := make([]Artifact, num)
	for i, a := range byIndex {
		out[i] = *a
	}
	return out, true
}

func mergeParts(ext string, parts []string) (string, error) {
	switch ext {
	case ".md":
		return mergeMarkdown(parts), nil
	case ".html":
		out, err := mergeHTML(parts)
		if err != nil {
			return "", &MergeFormatError{Ext: ext, Err: err}
		}
		return out, nil
	case ".json":
		out, err := mergeJSON(parts)
		if err != nil {
			return "", &MergeFormatError{Ext: ext, Err: err}
		}
		return out, nil
	default:
		return "", &MergeFormatError{Ext: ext, Err: fmt.Errorf("unrecognized result type")}
	}
}

func mergeMarkdown(parts []string) string {
	return strings.Join(parts, "\n")
}

// mergeHTML は2つ目以降のドキュメントの body 直下の要素を先頭ドキュメントの body に追加します。
func mergeHTML(parts []string) (string, error) {
	doc, err := html.Parse(strings.NewReader(parts[0]))
	if err != nil {
		return "", fmt.Errorf("parse chunk 0: %w", err)
	}
	body := findBody(doc)
	if body == nil {
		return "", fmt.Errorf("chunk 0 has no body")
	}

	for i, part := range parts[1:] {
		next, err := html.Parse(strings.NewReader(part))
		if err != nil {
			return "", fmt.Errorf("parse chunk %d: %w", i+1, err)
		}
		src := findBody(next)
		if src == nil {
			continue
		}
		for child := src.FirstChild; child != nil; {
			following := child.NextSibling
			src.RemoveChild(child)
			body.AppendChild(child)
			child = following
		}
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return "", fmt.Errorf("render merged document: %w", err)
	}
	return buf.String(), nil
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == atom.Body {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if body := findBody(c); body != nil {
			return body
		}
	}
	return nil
}

// mergeJSON は先頭ドキュメントの children に後続ドキュメントの children を連結します。
// 先頭ドキュメントが JSON 文字列として二重にエンコードされている場合も受け付けます。
func mergeJSON(parts []string) (string, error) {
	first, err := decodeJSON(parts[0])
	if err != nil {
		return "", fmt.Errorf("parse chunk 0: %w", err)
	}
	if s, ok := first.(string); ok {
		if first, err = decodeJSON(s); err != nil {
			return "", fmt.Errorf("parse double-encoded chunk 0: %w", err)
		}
	}
	root, ok := first.(map[string]any)
	if !ok {
		return "", fmt.Errorf("chunk 0 is not a JSON object")
	}
	children, ok := root["children"].([]any)
	if !ok {
		return "", fmt.Errorf("chunk 0 has no children array")
	}

	for i, part := range parts[1:] {
		v, err := decodeJSON(part)
		if err != nil {
			return "", fmt.Errorf("parse chunk %d: %w", i+1, err)
		}
		doc, ok := v.(map[string]any)
		if !ok {
			return "", fmt.Errorf("chunk %d is not a JSON object", i+1)
		}
		more, ok := doc["children"].([]any)
		if !ok {
			return "", fmt.Errorf("chunk %d has no children array", i+1)
		}
		children = append(children, more...)
	}
	root["children"] = children

	out, err := json.Marshal(root)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func decodeJSON(s string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
