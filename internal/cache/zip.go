package cache

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/dlcache/internal/lease"
)

// ZipTo streams the directory p as a zip archive. p may be a tracked entry or
// a directory below one; the owning entry's lease is held while reading so a
// sweep cannot delete files mid-stream, and its access time is refreshed.
// open is called once all checks passed, with the suggested file name, and
// returns the destination; errors before that point mean nothing was written.
func (x *Index) ZipTo(ctx context.Context, p string, open func(name string) io.Writer) error {
	rel, err := x.Normalize(p)
	if err != nil {
		return err
	}
	if x.opts.Enabled {
		owner, err := x.Owner(ctx, rel)
		if err != nil {
			return err
		}
		l, err := lease.AcquireWait(ctx, x.st, leaseKey(owner), x.opts.LeaseTTL, x.opts.RemoveWait)
		if err != nil {
			return err
		}
		defer func() { _ = l.Release(ctx) }()
		if _, err := x.Touch(ctx, owner); err != nil {
			return err
		}
	}
	abs := x.Abs(rel)
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("archive %s: %w", rel, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, rel)
	}
	return writeZip(ctx, open(path.Base(rel)+".zip"), abs)
}

// writeZip writes every regular file below dir, named relative to dir.
func writeZip(ctx context.Context, w io.Writer, dir string) error {
	zw := zip.NewWriter(w)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if p != dir && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.Method = zip.Deflate
		dst, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(dst, f)
		f.Close()
		return err
	})
	if err != nil {
		return fmt.Errorf("zip %s: %w", dir, err)
	}
	return zw.Close()
}
