package chunking

import (
	"errors"
	"strings"
)

// PageRangeKey は設定マップ内でチャンクのページ範囲を表すキーです。
const PageRangeKey = "page_range"

// ErrInvalidChunkSize はチャンクサイズが1未満の場合に返されます。
var ErrInvalidChunkSize = errors.New("chunk size must be >= 1")

// Job は投入されたドキュメント処理ジョブを表します。投入後は変更しません。
type Job struct {
	ID         string
	SourceName string
	TotalUnits int
	RangeSpec  string         // 空なら全ページ（0始まり）。TotalUnits 以上のページは指定できない
	Config     map[string]any // ジョブ全体の処理オプション
}

// Descriptor は1チャンク分の処理単位です。
type Descriptor struct {
	JobID      string
	SourceName string
	Units      []int
	Index      int
	NumChunks  int
	Config     map[string]any
}

// Plan はジョブを chunkSize ページ以下のチャンクに分割します。
// 対象ページ数が 2*chunkSize 未満なら分割せず1チャンクにまとめます。
func Plan(job Job, chunkSize int) ([]Descriptor, error) {
	if chunkSize < 1 {
		return nil, ErrInvalidChunkSize
	}

	units, err := requestedUnits(job)
	if err != nil {
		return nil, err
	}

	if len(units) < 2*chunkSize {
		return []Descriptor{newDescriptor(job, units, 0, 1)}, nil
	}

	numChunks := (len(units) + chunkSize - 1) / chunkSize
	chunks := make([]Descriptor, 0, numChunks)
	for i := 0; i < len(units); i += chunkSize {
		end := i + chunkSize
		if end > len(units) {
			end = len(units)
		}
		chunks = append(chunks, newDescriptor(job, units[i:end], i/chunkSize, numChunks))
	}
	return chunks, nil
}

func requestedUnits(job Job) ([]int, error) {
	if strings.TrimSpace(job.RangeSpec) != "" {
		return ParseRangeWithin(job.RangeSpec, job.TotalUnits)
	}
	total := job.TotalUnits
	if total < 0 {
		total = 0
	}
	units := make([]int, total)
	for i := range units {
		units[i] = i
	}
	return units, nil
}

func newDescriptor(job Job, units []int, index, numChunks int) Descriptor {
	cfg := copyMap(job.Config)
	cfg[PageRangeKey] = FormatRange(units)
	return Descriptor{
		JobID:      job.ID,
		SourceName: job.SourceName,
		Units:      append([]int(nil), units...),
		Index:      index,
		NumChunks:  numChunks,
		Config:     cfg,
	}
}

// copyMap は JSON 由来の値（map / slice / スカラー）を再帰的に複製します。
func copyMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src)+1)
	for k, v := range src {
		dst[k] = copyValue(v)
	}
	return dst
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	default:
		return t
	}
}
