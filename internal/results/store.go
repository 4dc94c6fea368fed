// Package results は出力ストア上のチャンク成果物を検査・結合し、ジョブの状態を判定します。
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
)

// Store は出力ストアの境界です。storage.Bucket が実装します。
type Store interface {
	List(ctx context.Context, prefix, pattern string) ([]string, error)
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
}

// WorkerInfo はチャンク1つ分のワーカー計測値です。
type WorkerInfo struct {
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	TotalTime float64 `json:"total_time"`
	Pages     int     `json:"pages"`
}

// WorkerSummary はジョブ全体のワーカー計測値の合計です。
// 計測ファイルが無い場合は空の集計（JSON では {}）になります。
type WorkerSummary struct {
	Pages      int     `json:"pages,omitempty"`
	WorkerTime float64 `json:"worker_time,omitempty"`
}

// Inspector はジョブの出力を読み取ります。書き込みは行いません。
type Inspector struct {
	store Store
}

// NewInspector は Inspector を生成します。
func NewInspector(store Store) *Inspector {
	return &Inspector{store: store}
}

// Artifacts はジョブのチャンク成果物を名前順に返します。
func (i *Inspector) Artifacts(ctx context.Context, jobID string) ([]Artifact, error) {
	keys, err := i.store.List(ctx, JobPrefix(jobID), artifactPattern)
	if err != nil {
		return nil, err
	}
	artifacts := make([]Artifact, 0, len(keys))
	for _, key := range keys {
		if a, ok := ParseArtifactName(key); ok {
			artifacts = append(artifacts, a)
		}
	}
	return artifacts, nil
}

// ErrorMarker はエラーマーカーの内容を返します。存在しなければ ok=false です。
func (i *Inspector) ErrorMarker(ctx context.Context, jobID string) (string, bool, error) {
	data, err := i.store.Read(ctx, jobKey(jobID, ErrorMarkerName))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// Merged はキャッシュ済みの結合結果と拡張子を返します。存在しなければ ok=false です。
func (i *Inspector) Merged(ctx context.Context, jobID string) (*Merged, bool, error) {
	keys, err := i.store.List(ctx, JobPrefix(jobID), mergedBase+".*")
	if err != nil {
		return nil, false, err
	}
	if len(keys) == 0 {
		return nil, false, nil
	}
	data, err := i.store.Read(ctx, keys[0])
	if err != nil {
		return nil, false, err
	}
	return &Merged{Content: string(data), Ext: path.Ext(keys[0])}, true, nil
}

// WorkerSummary はワーカー計測ファイル（"{idx}_worker_info.json"）を集計します。
// 名前が一致しないファイルは無視します。
func (i *Inspector) WorkerSummary(ctx context.Context, jobID string) (*WorkerSummary, error) {
	keys, err := i.store.List(ctx, JobPrefix(jobID), "*"+workerInfoSuffix)
	if err != nil {
		return nil, err
	}
	summary := &WorkerSummary{}
	for _, key := range keys {
		if !isWorkerInfoName(path.Base(key)) {
			continue
		}
		data, err := i.store.Read(ctx, key)
		if err != nil {
			return nil, err
		}
		var info WorkerInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, fmt.Errorf("parse %s: %w", key, err)
		}
		summary.Pages += info.Pages
		summary.WorkerTime += info.TotalTime
	}
	return summary, nil
}

// Images はジョブ出力に含まれる画像ファイル名を返します。
func (i *Inspector) Images(ctx context.Context, jobID string) ([]string, error) {
	keys, err := i.store.List(ctx, JobPrefix(jobID), "")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, key := range keys {
		name := path.Base(key)
		if isImage(name) {
			names = append(names, name)
		}
	}
	return names, nil
}

// HasOutput はジョブの出力が1つでも存在するかを返します。
func (i *Inspector) HasOutput(ctx context.Context, jobID string) (bool, error) {
	keys, err := i.store.List(ctx, JobPrefix(jobID), "")
	if err != nil {
		return false, err
	}
	return len(keys) > 0, nil
}

// ReadFile はジョブ出力内のファイルを読み込みます。name はベース名のみ受け付けます。
func (i *Inspector) ReadFile(ctx context.Context, jobID, name string) ([]byte, error) {
	if name == "" || name != path.Base(name) || strings.HasPrefix(name, ".") {
		return nil, fmt.Errorf("invalid file name %q: %w", name, fs.ErrNotExist)
	}
	return i.store.Read(ctx, jobKey(jobID, name))
}
