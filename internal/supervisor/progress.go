package supervisor

import (
	"strconv"
	"strings"

	"github.com/ChuLiYu/dlcache/pkg/types"
)

const (
	phaseDownloading = "Downloading"
	phaseDecrypting  = "Decrypting"
)

// ParseProgress extracts a progress snapshot from a downloader line such as
//
//	Downloading...  73%  (17/24 MB, 20 MB/s)
//	Decrypting...  100%
//
// ok is false for any other line. UpdatedAt is left for the caller.
func ParseProgress(line string) (p types.Progress, ok bool) {
	text := strings.TrimSpace(line)
	switch {
	case strings.Contains(text, phaseDownloading+"..."):
		p.Phase = phaseDownloading
	case strings.Contains(text, phaseDecrypting+"..."):
		p.Phase = phaseDecrypting
	default:
		return p, false
	}

	for _, tok := range strings.Fields(text) {
		if !strings.HasSuffix(tok, "%") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSuffix(tok, "%")); err == nil {
			p.Percent = min(max(n, 0), 100)
			break
		}
	}

	lp, rp := strings.IndexByte(text, '('), strings.LastIndexByte(text, ')')
	if lp < 0 || rp <= lp {
		return p, true
	}
	parts := strings.Split(text[lp+1:rp], ",")
	// "17/24 MB"
	if size := strings.TrimSpace(parts[0]); size != "" {
		done, total, found := strings.Cut(size, "/")
		if found {
			p.Downloaded = strings.TrimSpace(done)
			p.Total = strings.TrimSpace(total)
		} else {
			p.Downloaded = size
		}
	}
	if len(parts) > 1 {
		p.Speed = strings.TrimSpace(parts[1])
	}
	return p, true
}
