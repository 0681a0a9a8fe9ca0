package controller

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/dlcache/pkg/types"
)

// ErrEmptyRequest 請求既沒有 URL 也沒有搜尋條件
var ErrEmptyRequest = errors.New("request needs a url or a search term")

// BuildArgs turns a request into the downloader command line:
//
//	--search <type> <term> [extra...]
//	[--song] [--select] [--atmos] [--aac] [--all-album] [--debug] <url> [extra...]
func BuildArgs(req types.DownloadRequest) ([]string, error) {
	var args []string
	switch {
	case strings.TrimSpace(req.SearchTerm) != "":
		st := strings.TrimSpace(req.SearchType)
		if st == "" {
			st = "song"
		}
		args = append(args, "--search", st, strings.TrimSpace(req.SearchTerm))
	case strings.TrimSpace(req.URL) != "":
		flags := []struct {
			on   bool
			flag string
		}{
			{req.Song, "--song"},
			{req.Select, "--select"},
			{req.Atmos, "--atmos"},
			{req.AAC, "--aac"},
			{req.AllAlbum, "--all-album"},
			{req.Debug, "--debug"},
		}
		for _, f := range flags {
			if f.on {
				args = append(args, f.flag)
			}
		}
		args = append(args, strings.TrimSpace(req.URL))
	default:
		return nil, ErrEmptyRequest
	}
	return append(args, req.ExtraArgs...), nil
}

// OutputLocator finds the directory a job wrote, relative to the downloads
// root. An empty result means nothing was produced.
type OutputLocator func(started time.Time) (string, error)

// NewestDirLocator finds the deepest directory holding every file written
// since the job started. For the downloader's Artist/Album layout that is the
// album (or the album above several disc folders), never the artist, so each
// album is registered and counted on its own. When concurrent jobs wrote
// under different top-level directories there is no common directory and the
// parent of the newest file is used; registration is idempotent, so the worst
// case is an early registration of a sibling's output.
func NewestDirLocator(root string) OutputLocator {
	return func(started time.Time) (string, error) {
		// 檔案系統時間精度可能只到秒
		cutoff := started.Add(-time.Second)
		var (
			dirs     []string
			newest   string
			newestAt time.Time
		)
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if p == root && errors.Is(err, fs.ErrNotExist) {
					return fs.SkipAll
				}
				// 讀不到的項目略過
				return nil
			}
			if d.IsDir() {
				if p != root && strings.HasPrefix(d.Name(), ".") {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil || info.ModTime().Before(cutoff) {
				return nil
			}
			rel, err := filepath.Rel(root, filepath.Dir(p))
			if err != nil || rel == "." {
				return nil
			}
			rel = filepath.ToSlash(rel)
			dirs = append(dirs, rel)
			if info.ModTime().After(newestAt) {
				newest, newestAt = rel, info.ModTime()
			}
			return nil
		})
		if err != nil || len(dirs) == 0 {
			return "", err
		}
		if common := commonDir(dirs); common != "" {
			return common, nil
		}
		return newest, nil
	}
}

// commonDir returns the longest slash-separated prefix shared by all dirs.
func commonDir(dirs []string) string {
	parts := strings.Split(dirs[0], "/")
	for _, d := range dirs[1:] {
		other := strings.Split(d, "/")
		n := 0
		for n < len(parts) && n < len(other) && parts[n] == other[n] {
			n++
		}
		if n == 0 {
			return ""
		}
		parts = parts[:n]
	}
	return strings.Join(parts, "/")
}
