// ============================================================================
// dlcache Config - 設定載入
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 依序套用 預設值 → YAML 檔 → .env → 環境變數，最後驗證
//
// 環境變數以秒為單位表示時間（CACHE_TTL_SECONDS 等），YAML 則使用
// time.Duration 字串（"24h", "30s"）。
//
// 只有設定錯誤會讓程序無法啟動，其他錯誤都在執行期降級處理。
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalid 設定值不合法
var ErrInvalid = errors.New("invalid configuration")

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Redis struct {
		URL             string        `yaml:"url"` // 空字串表示單實例記憶體模式
		OpTimeout       time.Duration `yaml:"op_timeout"`
		RetryMaxElapsed time.Duration `yaml:"retry_max_elapsed"`
	} `yaml:"redis"`

	// 單實例模式（未設定 Redis）的記憶體儲存快照
	Snapshot struct {
		Path     string        `yaml:"path"` // 空字串表示不持久化
		Interval time.Duration `yaml:"interval"`
	} `yaml:"snapshot"`

	Cache struct {
		Enabled         bool          `yaml:"enabled"`
		DownloadsRoot   string        `yaml:"downloads_root"`
		TTL             time.Duration `yaml:"ttl"`
		MaxBytes        int64         `yaml:"max_bytes"`
		CleanupInterval time.Duration `yaml:"cleanup_interval"`
		HighWatermark   float64       `yaml:"high_watermark"`
		LowWatermark    float64       `yaml:"low_watermark"`
		LeaseTTL        time.Duration `yaml:"lease_ttl"`
		RemoveWait      time.Duration `yaml:"remove_wait"`
		UntrackedGrace  time.Duration `yaml:"untracked_grace"` // 未註冊目錄最後修改後保留多久
	} `yaml:"cache"`

	Dedup struct {
		Enabled bool          `yaml:"enabled"`
		LockTTL time.Duration `yaml:"lock_ttl"`
	} `yaml:"dedup"`

	Jobs struct {
		Retention   time.Duration `yaml:"retention"`
		MaxLogLines int           `yaml:"max_log_lines"`
		MaxParallel int           `yaml:"max_parallel"`
		CancelGrace time.Duration `yaml:"cancel_grace"`
		Timeout     time.Duration `yaml:"timeout"` // 0 表示不限制
		QueuedStale time.Duration `yaml:"queued_stale_after"` // 排隊超過此時間且無人更新視為遺失
	} `yaml:"jobs"`

	Downloader struct {
		Bin     string   `yaml:"bin"`
		Args    []string `yaml:"args"` // 固定前綴參數
		Workdir string   `yaml:"workdir"`
	} `yaml:"downloader"`

	Archive struct {
		Enabled bool   `yaml:"enabled"`
		Dir     string `yaml:"dir"` // 本地永久保存目錄，未設定 MinIO 時使用
		MinIO   struct {
			Endpoint  string `yaml:"endpoint"`
			AccessKey string `yaml:"access_key"`
			SecretKey string `yaml:"secret_key"`
			Bucket    string `yaml:"bucket"`
			Prefix    string `yaml:"prefix"`
			UseSSL    bool   `yaml:"use_ssl"`
		} `yaml:"minio"`
	} `yaml:"archive"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	GRPC struct {
		Addr string `yaml:"addr"`
	} `yaml:"grpc"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text / json
	} `yaml:"log"`
}

// Default 預設設定
func Default() *Config {
	var c Config
	c.Redis.URL = "redis://localhost:6379/0"
	c.Redis.OpTimeout = 2 * time.Second
	c.Redis.RetryMaxElapsed = 5 * time.Second
	c.Snapshot.Interval = time.Minute

	c.Cache.Enabled = true
	c.Cache.DownloadsRoot = "downloads"
	c.Cache.TTL = 24 * time.Hour
	c.Cache.MaxBytes = 10 << 30
	c.Cache.CleanupInterval = time.Hour
	c.Cache.HighWatermark = 0.9
	c.Cache.LowWatermark = 0.8
	c.Cache.LeaseTTL = 5 * time.Minute
	c.Cache.RemoveWait = 5 * time.Second
	c.Cache.UntrackedGrace = time.Hour

	c.Dedup.Enabled = true
	c.Dedup.LockTTL = time.Hour

	c.Jobs.Retention = 24 * time.Hour
	c.Jobs.MaxLogLines = 5000
	c.Jobs.MaxParallel = 2
	c.Jobs.CancelGrace = 10 * time.Second
	c.Jobs.QueuedStale = 30 * time.Minute

	c.Downloader.Bin = "go"
	c.Downloader.Args = []string{"run", "main.go"}

	c.Archive.MinIO.Bucket = "dlcache-archive"

	c.HTTP.Addr = ":8080"
	c.GRPC.Addr = ":50051"
	c.Metrics.Enabled = true
	c.Log.Level = "info"
	c.Log.Format = "text"
	return &c
}

// Load 載入設定
//
// 參數：
//   - path: YAML 檔路徑，空字串表示不讀檔
//   - envFiles: .env 檔，未指定時嘗試目前目錄的 .env（不存在不算錯誤）
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if len(envFiles) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ============================================================================
// 環境變數
// ============================================================================

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

type envParser struct {
	lookup LookupFunc
	errs   []error
}

func (p *envParser) str(key string, dst *string) {
	if v, ok := p.lookup(key); ok {
		*dst = strings.TrimSpace(v)
	}
}

func (p *envParser) boolean(key string, dst *bool) {
	v, ok := p.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func (p *envParser) integer(key string, dst *int) {
	var n int64
	if p.int64(key, &n) {
		*dst = int(n)
	}
}

func (p *envParser) int64(key string, dst *int64) bool {
	v, ok := p.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return false
	}
	*dst = n
	return true
}

func (p *envParser) float(key string, dst *float64) {
	v, ok := p.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = f
}

func (p *envParser) seconds(key string, dst *time.Duration) {
	var n int64
	if p.int64(key, &n) {
		*dst = time.Duration(n) * time.Second
	}
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	p := &envParser{lookup: lookup}

	p.str("REDIS_URL", &c.Redis.URL)
	p.str("STORE_SNAPSHOT_PATH", &c.Snapshot.Path)
	p.seconds("STORE_SNAPSHOT_INTERVAL_SECONDS", &c.Snapshot.Interval)

	p.boolean("CACHE_ENABLED", &c.Cache.Enabled)
	p.str("CACHE_DOWNLOADS_ROOT", &c.Cache.DownloadsRoot)
	p.seconds("CACHE_TTL_SECONDS", &c.Cache.TTL)
	p.int64("CACHE_MAX_BYTES", &c.Cache.MaxBytes)
	p.seconds("CACHE_CLEANUP_INTERVAL_SECONDS", &c.Cache.CleanupInterval)
	p.float("CACHE_EVICTION_HIGH_WATERMARK", &c.Cache.HighWatermark)
	p.float("CACHE_EVICTION_LOW_WATERMARK", &c.Cache.LowWatermark)
	p.seconds("CACHE_LEASE_TTL_SECONDS", &c.Cache.LeaseTTL)
	p.seconds("CACHE_REMOVE_WAIT_SECONDS", &c.Cache.RemoveWait)
	p.seconds("CACHE_UNTRACKED_GRACE_SECONDS", &c.Cache.UntrackedGrace)

	p.boolean("DEDUPE_ENABLED", &c.Dedup.Enabled)
	p.seconds("DEDUPE_LOCK_TTL_SECONDS", &c.Dedup.LockTTL)

	p.seconds("JOB_RETENTION_SECONDS", &c.Jobs.Retention)
	p.integer("JOB_MAX_LOG_LINES", &c.Jobs.MaxLogLines)
	p.integer("JOB_MAX_PARALLEL", &c.Jobs.MaxParallel)
	p.seconds("JOB_CANCEL_GRACE_SECONDS", &c.Jobs.CancelGrace)
	p.seconds("JOB_TIMEOUT_SECONDS", &c.Jobs.Timeout)
	p.seconds("JOB_QUEUED_STALE_SECONDS", &c.Jobs.QueuedStale)

	p.str("DOWNLOADER_BIN", &c.Downloader.Bin)
	if v, ok := lookup("DOWNLOADER_ARGS"); ok {
		c.Downloader.Args = strings.Fields(v)
	}
	p.str("DOWNLOADER_WORKDIR", &c.Downloader.Workdir)

	p.boolean("ARCHIVE_ENABLED", &c.Archive.Enabled)
	p.str("ARCHIVE_DIR", &c.Archive.Dir)
	p.str("MINIO_ENDPOINT", &c.Archive.MinIO.Endpoint)
	p.str("MINIO_ACCESS_KEY", &c.Archive.MinIO.AccessKey)
	p.str("MINIO_SECRET_KEY", &c.Archive.MinIO.SecretKey)
	p.str("MINIO_BUCKET", &c.Archive.MinIO.Bucket)
	p.str("MINIO_PREFIX", &c.Archive.MinIO.Prefix)
	p.boolean("MINIO_USE_SSL", &c.Archive.MinIO.UseSSL)

	p.str("HTTP_ADDR", &c.HTTP.Addr)
	p.str("GRPC_ADDR", &c.GRPC.Addr)
	p.boolean("METRICS_ENABLED", &c.Metrics.Enabled)
	p.str("LOG_LEVEL", &c.Log.Level)
	p.str("LOG_FORMAT", &c.Log.Format)

	if len(p.errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(p.errs...))
	}
	return nil
}

// ============================================================================
// 驗證
// ============================================================================

// Validate 檢查設定是否合法
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	cc := c.Cache
	if cc.HighWatermark <= 0 || cc.HighWatermark > 1 {
		bad("cache high watermark %v outside (0,1]", cc.HighWatermark)
	}
	if cc.LowWatermark <= 0 || cc.LowWatermark > 1 {
		bad("cache low watermark %v outside (0,1]", cc.LowWatermark)
	}
	if cc.LowWatermark > cc.HighWatermark {
		bad("cache low watermark %v above high watermark %v", cc.LowWatermark, cc.HighWatermark)
	}
	if cc.TTL <= 0 {
		bad("cache ttl must be positive")
	}
	if cc.CleanupInterval <= 0 {
		bad("cache cleanup interval must be positive")
	}
	if cc.MaxBytes < 0 {
		bad("cache max bytes must not be negative")
	}
	if cc.LeaseTTL <= 0 || cc.RemoveWait <= 0 {
		bad("cache lease ttl and remove wait must be positive")
	} else if cc.LeaseTTL < cc.RemoveWait {
		bad("cache lease ttl %s shorter than remove wait %s", cc.LeaseTTL, cc.RemoveWait)
	}
	if cc.UntrackedGrace <= 0 {
		bad("cache untracked grace must be positive")
	}
	if cc.Enabled && strings.TrimSpace(cc.DownloadsRoot) == "" {
		bad("cache downloads root is required")
	}
	if c.Redis.OpTimeout <= 0 || c.Redis.RetryMaxElapsed < 0 {
		bad("redis op timeout must be positive")
	}
	if c.Snapshot.Interval < 0 {
		bad("snapshot interval must not be negative")
	}
	if c.Dedup.LockTTL <= 0 {
		bad("dedup lock ttl must be positive")
	}
	if c.Jobs.Retention <= 0 {
		bad("job retention must be positive")
	}
	if c.Jobs.MaxLogLines <= 0 {
		bad("job max log lines must be positive")
	}
	if c.Jobs.MaxParallel <= 0 {
		bad("job max parallel must be positive")
	}
	if c.Jobs.QueuedStale <= 0 {
		bad("job queued stale bound must be positive")
	}
	if c.Jobs.CancelGrace < 0 || c.Jobs.Timeout < 0 {
		bad("job cancel grace and timeout must not be negative")
	}
	if c.Archive.Enabled && c.Archive.MinIO.Endpoint == "" && c.Archive.Dir == "" {
		bad("archive enabled but neither minio endpoint nor archive dir is set")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		bad("unknown log format %q", c.Log.Format)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
