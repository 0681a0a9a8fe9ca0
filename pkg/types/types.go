// Package types 定義了 dlcache 系統中使用的核心領域模型
package types

import (
	"time"
)

// JobID 任務唯一識別碼
type JobID string

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusQueued    JobStatus = "queued"    // 已接受，尚未啟動外部程序
	StatusRunning   JobStatus = "running"   // 外部程序已啟動
	StatusCompleted JobStatus = "completed" // 程序以 0 結束
	StatusFailed    JobStatus = "failed"    // 程序非 0 結束或啟動失敗
	StatusCancelled JobStatus = "cancelled" // 使用者取消
)

// IsTerminal 回報狀態是否為終止狀態（沒有任何出邊）
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known states.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job 任務記錄，由 jobstore 獨佔擁有
type Job struct {
	// 識別與資料
	ID          JobID    `json:"id"`
	Args        []string `json:"args"`                  // 外部程序參數，核心不解讀
	Fingerprint string   `json:"fingerprint,omitempty"` // 去重指紋

	// 狀態追蹤
	Status          JobStatus `json:"status"`
	ExitCode        *int      `json:"exit_code,omitempty"`
	CancelRequested bool      `json:"cancel_requested,omitempty"`
	OutputDir       string    `json:"output_dir,omitempty"` // 相對於下載根目錄
	Error           string    `json:"error,omitempty"`

	// 時間（Unix 毫秒）
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// Progress 進度快照，每次更新整體覆寫
type Progress struct {
	Phase      string `json:"phase,omitempty"`      // Downloading / Decrypting
	Percent    int    `json:"percent"`              // 0-100
	Speed      string `json:"speed,omitempty"`      // e.g. "20 MB/s"
	Downloaded string `json:"downloaded,omitempty"` // e.g. "17"
	Total      string `json:"total,omitempty"`      // e.g. "24 MB"
	UpdatedAt  int64  `json:"updated_at"`           // Unix 毫秒，last-write-wins
}

// CacheEntry 快取索引中的一個目錄
type CacheEntry struct {
	Path         string        `json:"path"` // 相對於下載根目錄
	SizeBytes    int64         `json:"size_bytes"`
	RegisteredAt time.Time     `json:"registered_at,omitempty"`
	LastAccess   time.Time     `json:"last_access"`
	TTL          time.Duration `json:"ttl,omitempty"`    // 剩餘 TTL，0 表示已過期或未知
	Exists       bool          `json:"exists,omitempty"` // 磁碟上是否存在（僅 Info 填寫）
}

// CacheStats 快取統計快照
type CacheStats struct {
	Enabled    bool    `json:"enabled"`
	UsedBytes  int64   `json:"used_bytes"`
	QuotaBytes int64   `json:"quota_bytes"`
	Entries    int64   `json:"entries"`
	UsageRatio float64 `json:"usage_ratio"`
	Orphans    int64   `json:"orphans"`
}

// DownloadRequest 下載請求。指紋只取決於會影響實際工作的欄位，ExtraArgs 除外
type DownloadRequest struct {
	URL        string   `json:"url,omitempty" yaml:"url"`
	Song       bool     `json:"song,omitempty" yaml:"song"`
	Atmos      bool     `json:"atmos,omitempty" yaml:"atmos"`
	AAC        bool     `json:"aac,omitempty" yaml:"aac"`
	Select     bool     `json:"select,omitempty" yaml:"select"`
	AllAlbum   bool     `json:"all_album,omitempty" yaml:"all_album"`
	Debug      bool     `json:"debug,omitempty" yaml:"debug"`
	SearchType string   `json:"search_type,omitempty" yaml:"search_type"`
	SearchTerm string   `json:"search_term,omitempty" yaml:"search_term"`
	ExtraArgs  []string `json:"extra_args,omitempty" yaml:"extra_args"`
}
