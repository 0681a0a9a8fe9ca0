// ============================================================================
// dlcache 永久保存 - 淘汰前備份目錄
// ============================================================================
//
// Package: internal/archive
// 文件: archive.go
// 功能: 實作 cache.Archiver，排程器刪除目錄前先把內容複製到永久儲存
//
// 兩種實作:
//   MinIO  上傳到物件儲存 <bucket>/<prefix>/<path>/<file>
//   Local  複製到本地目錄 <dir>/<path>/<file>，已存在的備份不覆寫
//
// 任何一個檔案失敗都回傳錯誤，排程器會保留該目錄待下一輪重試。
//
// ============================================================================

package archive

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ChuLiYu/dlcache/internal/cache"
)

var log = slog.Default()

// ============================================================================
// MinIO
// ============================================================================

// ObjectPutter is the subset of *minio.Client used for uploads.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinIOOptions 連線設定
type MinIOOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
	Insecure  bool // 跳過 TLS 憑證驗證（自簽憑證）
}

// MinIO uploads directories to a bucket.
type MinIO struct {
	client ObjectPutter
	bucket string
	prefix string
}

var _ cache.Archiver = (*MinIO)(nil)

// NewMinIO connects to the endpoint and makes sure the bucket exists.
func NewMinIO(ctx context.Context, opts MinIOOptions) (*MinIO, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, errors.New("archive: minio endpoint and bucket are required")
	}
	mopts := &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	}
	if opts.Insecure {
		mopts.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	client, err := minio.New(opts.Endpoint, mopts)
	if err != nil {
		return nil, fmt.Errorf("archive: connect minio: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("archive: check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("archive: create bucket %s: %w", opts.Bucket, err)
		}
		log.Info("archive bucket created", "bucket", opts.Bucket)
	}
	return NewMinIOWithClient(client, opts.Bucket, opts.Prefix), nil
}

// NewMinIOWithClient wraps an existing client.
func NewMinIOWithClient(client ObjectPutter, bucket, prefix string) *MinIO {
	return &MinIO{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Archive uploads every regular file under absDir.
func (m *MinIO) Archive(ctx context.Context, relPath, absDir string) error {
	var files, bytes int64
	err := walkFiles(ctx, absDir, func(rel string, info fs.FileInfo, open func() (*os.File, error)) error {
		f, err := open()
		if err != nil {
			return err
		}
		defer f.Close()
		object := path.Join(m.prefix, relPath, rel)
		_, err = m.client.PutObject(ctx, m.bucket, object, f, info.Size(), minio.PutObjectOptions{
			ContentType: contentType(rel),
		})
		if err != nil {
			return fmt.Errorf("upload %s: %w", object, err)
		}
		files++
		bytes += info.Size()
		return nil
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", relPath, err)
	}
	log.Info("directory archived", "path", relPath, "bucket", m.bucket, "files", files, "bytes", bytes)
	return nil
}

// ============================================================================
// Local
// ============================================================================

// Local copies directories under Dir.
type Local struct {
	Dir string
}

var _ cache.Archiver = (*Local)(nil)

// Archive copies absDir to Dir/relPath. An existing copy is kept as is.
func (l *Local) Archive(ctx context.Context, relPath, absDir string) error {
	dest := filepath.Join(l.Dir, filepath.FromSlash(relPath))
	if _, err := os.Stat(dest); err == nil {
		log.Debug("permanent copy already exists", "path", relPath, "dest", dest)
		return nil
	}
	// 先複製到暫存目錄再改名，避免留下半套備份
	tmp := dest + ".partial"
	_ = os.RemoveAll(tmp)
	err := walkFiles(ctx, absDir, func(rel string, info fs.FileInfo, open func() (*os.File, error)) error {
		return copyFile(filepath.Join(tmp, filepath.FromSlash(rel)), info, open)
	})
	if err == nil {
		err = os.MkdirAll(filepath.Dir(dest), 0o755)
	}
	if err == nil {
		err = os.Rename(tmp, dest)
	}
	if err != nil {
		_ = os.RemoveAll(tmp)
		return fmt.Errorf("archive %s: %w", relPath, err)
	}
	log.Info("directory archived", "path", relPath, "dest", dest)
	return nil
}

func copyFile(dst string, info fs.FileInfo, open func() (*os.File, error)) error {
	src, err := open()
	if err != nil {
		return err
	}
	defer src.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ============================================================================
// 共用
// ============================================================================

type fileFunc func(rel string, info fs.FileInfo, open func() (*os.File, error)) error

// walkFiles calls fn for each regular file under root with its slash path
// relative to root.
func walkFiles(ctx context.Context, root string, fn fileFunc) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), info, func() (*os.File, error) { return os.Open(p) })
	})
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
