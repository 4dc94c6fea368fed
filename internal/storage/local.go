// Package storage は gocloud.dev/blob を使ったストレージ抽象化レイヤーを提供します。
//
// ローカルディレクトリ（開発環境）と gs:// / s3:// のバケット（本番環境）を同じ API で扱います。
// キーは "<jobID>/<ファイル名>" のようなスラッシュ区切りのパスです。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	"gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob" // S3 driver
	"gocloud.dev/gcerrors"
)

// Bucket はジョブ単位のファイルを保存するストアです。
type Bucket struct {
	bucket *blob.Bucket
	uri    string
}

// Open は location からバケットを開きます。
// スキームを持たない値はローカルディレクトリとして扱い、存在しなければ作成します。
func Open(ctx context.Context, location string) (*Bucket, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, fmt.Errorf("storage location is empty")
	}

	if !strings.Contains(location, "://") {
		dir, err := filepath.Abs(location)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", location, err)
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create storage dir %s: %w", dir, err)
		}
		b, err := fileblob.OpenBucket(dir, nil)
		if err != nil {
			return nil, fmt.Errorf("open local bucket %s: %w", dir, err)
		}
		return &Bucket{bucket: b, uri: "file://" + filepath.ToSlash(dir)}, nil
	}

	b, err := blob.OpenBucket(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", location, err)
	}
	return &Bucket{bucket: b, uri: location}, nil
}

// NewMemory はメモリ上のバケットを返します（テスト・ドライラン用）。
func NewMemory() *Bucket {
	return &Bucket{bucket: memblob.OpenBucket(nil), uri: "mem://"}
}

// URI はバケットの場所を返します。
func (b *Bucket) URI() string {
	return b.uri
}

// Write は data を key に書き込みます（既存なら上書き）。
func (b *Bucket) Write(ctx context.Context, key string, data []byte) error {
	if err := b.bucket.WriteAll(ctx, key, data, nil); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Read は key の内容を返します。存在しない場合は fs.ErrNotExist をラップして返します。
func (b *Bucket) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := b.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, wrapNotFound(key, err)
	}
	return data, nil
}

// Exists は key が存在するかを返します。
func (b *Bucket) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := b.bucket.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return ok, nil
}

// List は prefix 直下のキーのうち、ベース名が pattern（path.Match 形式）に一致するものを昇順で返します。
// pattern が空の場合はすべて返します。
func (b *Bucket) List(ctx context.Context, prefix, pattern string) ([]string, error) {
	if pattern != "" {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
	}

	iter := b.bucket.List(&blob.ListOptions{Prefix: prefix, Delimiter: "/"})
	var keys []string
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		if pattern != "" {
			if ok, _ := path.Match(pattern, path.Base(obj.Key)); !ok {
				continue
			}
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete は key を削除します。存在しない場合は何もしません。
func (b *Bucket) Delete(ctx context.Context, key string) error {
	if err := b.bucket.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix は prefix 以下のキーをすべて削除し、削除件数を返します。
func (b *Bucket) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	iter := b.bucket.List(&blob.ListOptions{Prefix: prefix})
	deleted := 0
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return deleted, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		if err := b.Delete(ctx, obj.Key); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// Open は key を読み込み用に開き、サイズとともに返します。
func (b *Bucket) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	r, err := b.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, 0, wrapNotFound(key, err)
	}
	return r, r.Size(), nil
}

// Download は key をローカルファイル dst にコピーします。
func (b *Bucket) Download(ctx context.Context, key, dst string) error {
	r, _, err := b.Open(ctx, key)
	if err != nil {
		return err
	}
	defer r.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("copy %s to %s: %w", key, dst, err)
	}
	return out.Close()
}

// Close はバケットを閉じます。
func (b *Bucket) Close() error {
	if b.bucket == nil {
		return nil
	}
	return b.bucket.Close()
}

func wrapNotFound(key string, err error) error {
	if gcerrors.Code(err) == gcerrors.NotFound {
		return fmt.Errorf("%s: %w", key, fs.ErrNotExist)
	}
	return fmt.Errorf("read %s: %w", key, err)
}
