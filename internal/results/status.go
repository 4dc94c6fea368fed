package results

import (
	"context"
)

// State はジョブの状態です。
type State string

const (
	StateProcessing State = "processing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Status はジョブ状態の判定結果です。Done の場合のみ結果と付随情報が入ります。
type Status struct {
	JobID  string
	State  State
	Error  string
	Result string
	Ext    string
	Worker *WorkerSummary
	Images []string
}

// Resolver は出力ストアからジョブの状態を判定します。
type Resolver struct {
	inspector *Inspector
	engine    *Engine
}

// NewResolver は Resolver を生成します。
func NewResolver(inspector *Inspector, engine *Engine) *Resolver {
	return &Resolver{inspector: inspector, engine: engine}
}

// Status はジョブの状態を返します。エラーマーカーを最優先で確認し、
// 次に結合を試み、どちらでもなければ処理中とします。結合の失敗はそのまま返します。
func (r *Resolver) Status(ctx context.Context, jobID string) (*Status, error) {
	reason, failed, err := r.inspector.ErrorMarker(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if failed {
		return &Status{JobID: jobID, State: StateFailed, Error: reason}, nil
	}

	merged, err := r.engine.TryMerge(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if merged == nil {
		return &Status{JobID: jobID, State: StateProcessing}, nil
	}

	worker, err := r.inspector.WorkerSummary(ctx, jobID)
	if err != nil {
		return nil, err
	}
	images, err := r.inspector.Images(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &Status{
		JobID:  jobID,
		State:  StateDone,
		Result: merged.Content,
		Ext:    merged.Ext,
		Worker: worker,
		Images: images,
	}, nil
}
