package results

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/yourusername/paper-relay/internal/chunking"
)

// Recorder はワーカー側からジョブ出力を書き込みます。
// 同じチャンクの再処理は同名ファイルの上書きになるため、何度書いても結果は変わりません。
type Recorder struct {
	store Store
}

// NewRecorder は Recorder を生成します。
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// WriteArtifact はチャンク成果物を書き込みます。
func (r *Recorder) WriteArtifact(ctx context.Context, jobID string, index, numChunks int, ext string, content []byte) error {
	return r.store.Write(ctx, jobKey(jobID, ArtifactName(index, numChunks, ext)), content)
}

// WriteAsset は画像などの付随ファイルを書き込みます。
func (r *Recorder) WriteAsset(ctx context.Context, jobID, name string, data []byte) error {
	if name == "" || name != path.Base(name) {
		return fmt.Errorf("invalid asset name %q", name)
	}
	return r.store.Write(ctx, jobKey(jobID, name), data)
}

// WriteWorkerInfo はチャンクのワーカー計測値を書き込みます。
func (r *Recorder) WriteWorkerInfo(ctx context.Context, jobID string, index int, info WorkerInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return r.store.Write(ctx, jobKey(jobID, WorkerInfoName(index)), data)
}

// WriteErrorMarker はジョブを失敗として記録します。
func (r *Recorder) WriteErrorMarker(ctx context.Context, jobID string, cause error) error {
	return r.store.Write(ctx, jobKey(jobID, ErrorMarkerName), []byte("Processing failed: "+cause.Error()))
}

// WriteConfigSnapshotOnce は page_range を除いた設定を config.json として書き込みます。
// 既に存在する場合は何もせず false を返します。
func (r *Recorder) WriteConfigSnapshotOnce(ctx context.Context, jobID string, cfg map[string]any) (bool, error) {
	key := jobKey(jobID, ConfigSnapshotName)
	exists, err := r.store.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	snapshot := make(map[string]any, len(cfg))
	for k, v := range cfg {
		if k == chunking.PageRangeKey {
			continue
		}
		snapshot[k] = v
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return false, err
	}
	if err := r.store.Write(ctx, key, data); err != nil {
		return false, err
	}
	return true, nil
}
