// ============================================================================
// dlcache CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra 命令列介面，啟動服務並透過 gRPC 操作任務與快取
//
// Command Structure:
//   dlcache                        # Root command
//   ├── serve                      # 啟動 HTTP + gRPC 服務、執行器與清理排程
//   ├── submit [url...]            # 提交下載請求（-f 從 YAML/JSON 檔批次提交）
//   ├── job
//   │   ├── get <id>
//   │   ├── logs <id> --tail N
//   │   ├── cancel <id>
//   │   ├── list --offset --limit --oldest
//   │   └── delete <id>
//   ├── cache
//   │   ├── stats
//   │   ├── list --limit
//   │   ├── info <path>
//   │   ├── rm <path> --files
//   │   └── sweep
//   ├── status                     # 設定摘要與遠端快取狀態
//   └── --version
//
// Global Flags:
//   --config, -c   YAML 設定檔（預設不讀檔，只用預設值與環境變數）
//   --env-file     額外的 .env 檔，可重複
//   --addr         gRPC 服務位址（客戶端命令）
//   --timeout      單次 RPC 逾時
//
// Signal Handling:
//   serve 收到 SIGINT / SIGTERM 後依序關閉：
//   HTTP → gRPC → 清理排程 → 執行器 → 快照 → 共享儲存
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/dlcache/internal/config"
	"github.com/ChuLiYu/dlcache/internal/server"
	"github.com/ChuLiYu/dlcache/pkg/types"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

type rootOptions struct {
	configFile string
	envFiles   []string
	addr       string
	timeout    time.Duration
}

// BuildCLI builds the root command.
func BuildCLI() *cobra.Command {
	o := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "dlcache",
		Short: "dlcache: job and disk-cache service for an external downloader",
		Long: `dlcache runs an external downloader as tracked jobs and keeps its output
directory from growing without bound:
- job state, progress and logs in a shared store (Redis or in-memory)
- identical concurrent requests collapse into one execution
- TTL, LRU and quota eviction safe across instances`,
		Version:      Version,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&o.configFile, "config", "c", "", "config file path (YAML)")
	pf.StringSliceVar(&o.envFiles, "env-file", nil, "env files to load instead of ./.env")
	pf.StringVar(&o.addr, "addr", "localhost:50051", "gRPC address of a running server")
	pf.DurationVar(&o.timeout, "timeout", 10*time.Second, "per-request timeout")

	rootCmd.AddCommand(buildServeCommand(o))
	rootCmd.AddCommand(buildSubmitCommand(o))
	rootCmd.AddCommand(buildJobCommand(o))
	rootCmd.AddCommand(buildCacheCommand(o))
	rootCmd.AddCommand(buildSchedulerCommand(o))
	rootCmd.AddCommand(buildStatusCommand(o))

	return rootCmd
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configFile, o.envFiles...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// withClient dials the server, runs fn under the request timeout and prints
// its result as JSON.
func (o *rootOptions) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client) (any, error)) error {
	c, err := server.Dial(o.addr)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()
	out, err := fn(ctx, c)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and server status",
		Long:  "Display the effective configuration and, if a server is reachable, its cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.loadConfig()
			if err != nil {
				return err
			}
			return showStatus(cmd, o, cfg)
		},
	}
}

func showStatus(cmd *cobra.Command, o *rootOptions, cfg *config.Config) error {
	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           dlcache Status                                  ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	configFile := o.configFile
	if configFile == "" {
		configFile = "(defaults + environment)"
	}
	storeMode := "redis " + redactURL(cfg.Redis.URL)
	if cfg.Redis.URL == "" {
		storeMode = "in-memory (single instance)"
		if cfg.Snapshot.Path != "" {
			storeMode += ", snapshot " + cfg.Snapshot.Path
		}
	}

	fmt.Fprintln(w, "📋 Configuration:")
	fmt.Fprintf(w, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(w, "  ├─ Store:           %s\n", storeMode)
	fmt.Fprintf(w, "  ├─ Downloader:      %s %v\n", cfg.Downloader.Bin, cfg.Downloader.Args)
	fmt.Fprintf(w, "  ├─ Max Parallel:    %d\n", cfg.Jobs.MaxParallel)
	fmt.Fprintf(w, "  └─ Dedup:           %t (lock ttl %s)\n", cfg.Dedup.Enabled, cfg.Dedup.LockTTL)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "💾 Cache:")
	if cfg.Cache.Enabled {
		fmt.Fprintf(w, "  ├─ Downloads Root:  %s\n", cfg.Cache.DownloadsRoot)
		fmt.Fprintf(w, "  ├─ TTL:             %s\n", cfg.Cache.TTL)
		fmt.Fprintf(w, "  ├─ Quota:           %.1f MB (high %.2f / low %.2f)\n",
			float64(cfg.Cache.MaxBytes)/(1024*1024), cfg.Cache.HighWatermark, cfg.Cache.LowWatermark)
		fmt.Fprintf(w, "  └─ Sweep Every:     %s\n", cfg.Cache.CleanupInterval)
	} else {
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📊 Server:")
	if st, err := remoteStats(cmd.Context(), o); err != nil {
		fmt.Fprintf(w, "  └─ %s: server not reachable (%v)\n", o.addr, err)
	} else {
		fmt.Fprintf(w, "  ├─ Address:         %s ✅\n", o.addr)
		fmt.Fprintf(w, "  ├─ Entries:         %d\n", st.Entries)
		fmt.Fprintf(w, "  ├─ Used:            %.1f MB (%.1f%% of quota)\n",
			float64(st.UsedBytes)/(1024*1024), st.UsageRatio*100)
		fmt.Fprintf(w, "  └─ Orphans:         %d\n", st.Orphans)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📡 Endpoints:")
	fmt.Fprintf(w, "  ├─ HTTP:    %s\n", cfg.HTTP.Addr)
	fmt.Fprintf(w, "  ├─ gRPC:    %s\n", cfg.GRPC.Addr)
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  └─ Metrics: ✅ http://%s/metrics\n", cfg.HTTP.Addr)
	} else {
		fmt.Fprintln(w, "  └─ Metrics: ⚠️  Disabled")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	return nil
}

func remoteStats(ctx context.Context, o *rootOptions) (types.CacheStats, error) {
	c, err := server.Dial(o.addr)
	if err != nil {
		return types.CacheStats{}, err
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return c.CacheStats(ctx)
}

// redactURL hides the password of a connection URL.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "(invalid url)"
	}
	return u.Redacted()
}
