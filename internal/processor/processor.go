// Package processor は1チャンク分の PDF を成果物に変換する外部処理の境界を定義します。
package processor

import (
	"context"
	"fmt"
	"strings"
)

// OutputFormatKey は設定マップ内の出力形式のキーです。
const OutputFormatKey = "output_format"

// DefaultOutputFormat は出力形式が指定されていない場合の値です。
const DefaultOutputFormat = "markdown"

var extensions = map[string]string{
	"markdown": ".md",
	"html":     ".html",
	"json":     ".json",
}

// Rendered は変換結果です。Images のキーはファイル名です。
type Rendered struct {
	Extension string
	Content   []byte
	Images    map[string][]byte
}

// Processor は sourcePath の PDF を cfg に従って変換します。
// cfg["page_range"] が処理対象のページ（0始まり）を表します。
type Processor interface {
	Process(ctx context.Context, sourcePath string, cfg map[string]any) (*Rendered, error)
}

// Error は変換処理の失敗です。ジョブは失敗として終了し、再試行されません。
type Error struct {
	Processor string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s processor: %v", e.Processor, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Extension は出力形式に対応する拡張子を返します。空の場合は markdown として扱います。
func Extension(format string) (string, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = DefaultOutputFormat
	}
	ext, ok := extensions[format]
	if !ok {
		return "", fmt.Errorf("unsupported output format %q", format)
	}
	return ext, nil
}

// OutputFormat は設定マップから出力形式を取り出します。
func OutputFormat(cfg map[string]any) string {
	if s, ok := cfg[OutputFormatKey].(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	return DefaultOutputFormat
}
