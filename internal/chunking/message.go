package chunking

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message はキューに載せるチャンクのエンベロープです。
type Message struct {
	ID        string         `json:"id"`
	Filename  string         `json:"filename"`
	Config    map[string]any `json:"config"`
	ChunkIdx  int            `json:"chunk_idx"`
	NumChunks int            `json:"num_chunks"`
}

// Message は Descriptor をキューメッセージに変換します。
func (d Descriptor) Message() Message {
	return Message{
		ID:        d.JobID,
		Filename:  d.SourceName,
		Config:    copyMap(d.Config),
		ChunkIdx:  d.Index,
		NumChunks: d.NumChunks,
	}
}

// Encode はメッセージを UTF-8 の JSON にシリアライズします。
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// PageRange はチャンクのページ範囲指定を返します。未設定なら空文字です。
func (m Message) PageRange() string {
	if m.Config == nil {
		return ""
	}
	if s, ok := m.Config[PageRangeKey].(string); ok {
		return s
	}
	return ""
}

// UnitCount はチャンクのページ数を返します（最低1）。
func (m Message) UnitCount() int {
	units, err := ParseRange(m.PageRange())
	if err != nil || len(units) == 0 {
		return 1
	}
	return len(units)
}

// DecodeMessage はキューメッセージを復元し、必須項目を検証します。
func DecodeMessage(body []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to parse message body: %w", err)
	}
	if strings.TrimSpace(msg.ID) == "" {
		return Message{}, fmt.Errorf("message is missing id")
	}
	if strings.TrimSpace(msg.Filename) == "" {
		return Message{}, fmt.Errorf("message is missing filename")
	}
	if msg.NumChunks < 1 {
		return Message{}, fmt.Errorf("num_chunks must be >= 1 (got %d)", msg.NumChunks)
	}
	if msg.ChunkIdx < 0 || msg.ChunkIdx >= msg.NumChunks {
		return Message{}, fmt.Errorf("chunk_idx %d out of range for %d chunks", msg.ChunkIdx, msg.NumChunks)
	}
	if msg.Config == nil {
		msg.Config = map[string]any{}
	}
	return msg, nil
}
