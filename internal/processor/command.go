package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// AssetDirEnv は外部コマンドに画像の出力先ディレクトリを伝える環境変数です。
const AssetDirEnv = "RELAY_ASSET_DIR"

// Command は外部の変換コマンドを実行する Processor です。
// チャンク設定を JSON で標準入力に渡し、PDF のパスを最後の引数に付けて起動します。
// 標準出力が成果物になり、AssetDirEnv のディレクトリに書かれたファイルが画像として回収されます。
type Command struct {
	path string
	args []string
}

// NewCommand はコマンドライン文字列（空白区切り）から Command を生成します。
func NewCommand(commandLine string) (*Command, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, fmt.Errorf("processor command is empty")
	}
	return &Command{path: fields[0], args: fields[1:]}, nil
}

func (c *Command) Process(ctx context.Context, sourcePath string, cfg map[string]any) (*Rendered, error) {
	ext, err := Extension(OutputFormat(cfg))
	if err != nil {
		return nil, &Error{Processor: "command", Err: err}
	}

	input, err := json.Marshal(cfg)
	if err != nil {
		return nil, &Error{Processor: "command", Err: fmt.Errorf("encode config: %w", err)}
	}

	assetDir, err := os.MkdirTemp("", "relay-assets-*")
	if err != nil {
		return nil, fmt.Errorf("create asset dir: %w", err)
	}
	defer os.RemoveAll(assetDir)

	args := append(append([]string(nil), c.args...), sourcePath)
	cmd := exec.CommandContext(ctx, c.path, args...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = append(os.Environ(), AssetDirEnv+"="+assetDir)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, &Error{Processor: "command", Err: fmt.Errorf("%s: %s", filepath.Base(c.path), msg)}
	}

	images, err := collectAssets(assetDir)
	if err != nil {
		return nil, &Error{Processor: "command", Err: err}
	}
	return &Rendered{Extension: ext, Content: stdout.Bytes(), Images: images}, nil
}

func collectAssets(dir string) (map[string][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read asset dir: %w", err)
	}
	images := make(map[string][]byte)
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read asset %s: %w", entry.Name(), err)
		}
		images[entry.Name()] = data
	}
	return images, nil
}
