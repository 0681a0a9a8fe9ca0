package cli

// ============================================================================
// 職責說明：
// 1. submit：由旗標或檔案組出下載請求，透過 gRPC 提交，可等待完成
// 2. job / cache / scheduler：對應 JobService 的查詢與管理操作
// 3. job events、archive：串流呼叫，不受 --timeout 限制
// 除了日誌與 zip，輸出皆為 JSON，方便接在其他工具後面
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/dlcache/internal/cache"
	"github.com/ChuLiYu/dlcache/internal/jobstore"
	"github.com/ChuLiYu/dlcache/internal/server"
	"github.com/ChuLiYu/dlcache/pkg/types"
)

// ============================================================================
// submit
// ============================================================================

type submitOptions struct {
	template types.DownloadRequest
	file     string
	wait     bool
	poll     time.Duration
}

func buildSubmitCommand(o *rootOptions) *cobra.Command {
	so := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit [url...]",
		Short: "Submit download requests",
		Long: `Submit one request per URL, a single search request (--search), or a list
of requests read from a YAML or JSON file (--file). Identical requests that are
already running are joined instead of started again.`,
		Example: `  dlcache submit --aac https://music.apple.com/us/album/x/123
  dlcache submit --search "Blue" --search-type album
  dlcache submit -f requests.yaml --wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs, err := so.requests(args)
			if err != nil {
				return err
			}
			return o.withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
				results, err := submitAll(ctx, c, reqs)
				if err != nil || !so.wait {
					return results, err
				}
				// 等待不受單次 RPC 逾時限制
				return waitAll(cmd.Context(), c, o.timeout, so.poll, results)
			})
		},
	}

	f := cmd.Flags()
	f.BoolVar(&so.template.Song, "song", false, "treat the URL as a single song")
	f.BoolVar(&so.template.Select, "select", false, "select tracks interactively")
	f.BoolVar(&so.template.Atmos, "atmos", false, "download Dolby Atmos")
	f.BoolVar(&so.template.AAC, "aac", false, "download AAC")
	f.BoolVar(&so.template.AllAlbum, "all-album", false, "download every album of an artist")
	f.BoolVar(&so.template.Debug, "debug", false, "show available qualities only")
	f.StringVar(&so.template.SearchType, "search-type", "", "search type: song, album or artist")
	f.StringVar(&so.template.SearchTerm, "search", "", "search term instead of a URL")
	f.StringSliceVar(&so.template.ExtraArgs, "extra", nil, "extra downloader arguments, passed through")
	f.StringVarP(&so.file, "file", "f", "", "YAML or JSON file with a list of requests")
	f.BoolVar(&so.wait, "wait", false, "wait for the jobs to finish")
	f.DurationVar(&so.poll, "poll", time.Second, "status poll interval with --wait")
	return cmd
}

// requests expands the flags, URLs and file into individual requests.
func (so *submitOptions) requests(urls []string) ([]types.DownloadRequest, error) {
	var reqs []types.DownloadRequest
	if so.file != "" {
		data, err := os.ReadFile(so.file)
		if err != nil {
			return nil, fmt.Errorf("failed to read request file: %w", err)
		}
		// YAML 是 JSON 的超集，兩種格式共用一個解析器
		if err := yaml.Unmarshal(data, &reqs); err != nil {
			return nil, fmt.Errorf("failed to parse request file: %w", err)
		}
	}
	for _, u := range urls {
		r := so.template
		r.URL = u
		reqs = append(reqs, r)
	}
	if len(urls) == 0 && so.template.SearchTerm != "" {
		reqs = append(reqs, so.template)
	}
	if len(reqs) == 0 {
		return nil, errors.New("nothing to submit: give URLs, --search or --file")
	}
	return reqs, nil
}

func submitAll(ctx context.Context, c *server.Client, reqs []types.DownloadRequest) ([]server.BatchResult, error) {
	if len(reqs) == 1 {
		sub, err := c.Submit(ctx, reqs[0])
		if err != nil {
			return nil, err
		}
		job := sub.Job
		return []server.BatchResult{{Job: &job, Deduplicated: sub.Deduplicated}}, nil
	}
	return c.SubmitBatch(ctx, reqs)
}

// waitAll polls every accepted job until it reaches a terminal state.
func waitAll(ctx context.Context, c *server.Client, timeout, poll time.Duration, results []server.BatchResult) ([]server.JobView, error) {
	if poll <= 0 {
		poll = time.Second
	}
	var views []server.JobView
	var failed int
	for _, r := range results {
		if r.Job == nil {
			failed++
			continue
		}
		v, err := waitJob(ctx, c, timeout, poll, r.Job.ID)
		if err != nil {
			return views, err
		}
		if v.Job.Status != types.StatusCompleted {
			failed++
		}
		views = append(views, v)
	}
	if failed > 0 {
		return views, fmt.Errorf("%d of %d requests did not complete", failed, len(results))
	}
	return views, nil
}

func waitJob(ctx context.Context, c *server.Client, timeout, poll time.Duration, id types.JobID) (server.JobView, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		rctx, cancel := context.WithTimeout(ctx, timeout)
		v, err := c.GetJob(rctx, string(id))
		cancel()
		if err != nil {
			return v, fmt.Errorf("job %s: %w", id, err)
		}
		if v.Job.Status.IsTerminal() {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ============================================================================
// job
// ============================================================================

func buildJobCommand(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and manage jobs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show a job and its latest progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
				return c.GetJob(ctx, args[0])
			})
		},
	})

	var tail int
	logs := &cobra.Command{
		Use:   "logs <id>",
		Short: "Print the last lines of a job's output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := server.Dial(o.addr)
			if err != nil {
				return err
			}
			defer c.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
			defer cancel()
			lines, err := c.TailLogs(ctx, args[0], tail)
			if err != nil {
				return err
			}
			// 日誌直接輸出原文，不包成 JSON
			for _, l := range lines {
				fmt.Fprintln(cmd.OutOrStdout(), l)
			}
			return nil
		},
	}
	logs.Flags().IntVarP(&tail, "tail", "n", 100, "number of lines, 0 for all")
	cmd.AddCommand(logs)

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <id>",
		Short: "Request cancellation of a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
				return c.CancelJob(ctx, args[0])
			})
		},
	})

	var offset, limit int
	var oldest bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
				return c.ListJobs(ctx, offset, limit, oldest)
			})
		},
	}
	list.Flags().IntVar(&offset, "offset", 0, "skip this many jobs")
	list.Flags().IntVar(&limit, "limit", 50, "page size")
	list.Flags().BoolVar(&oldest, "oldest", false, "oldest first")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a finished job with its logs and progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
				if err := c.DeleteJob(ctx, args[0]); err != nil {
					return nil, err
				}
				return map[string]string{"deleted": args[0]}, nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "events <id>",
		Short: "Follow a job, one JSON event per line, until it ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := server.Dial(o.addr)
			if err != nil {
				return err
			}
			defer c.Close()
			enc := json.NewEncoder(cmd.OutOrStdout())
			return c.WatchJob(cmd.Context(), args[0], func(ev jobstore.Event) error {
				return enc.Encode(ev)
			})
		},
	})

	var jobOut string
	archive := &cobra.Command{
		Use:   "archive <id>",
		Short: "Download a finished job's output directory as a zip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := jobOut
			if out == "" {
				out = args[0] + ".zip"
			}
			return o.download(cmd, "", args[0], out)
		},
	}
	archive.Flags().StringVarP(&jobOut, "output", "o", "", "destination file, - for stdout (default <id>.zip)")
	cmd.AddCommand(archive)
	return cmd
}

// download streams an archive into out, removing a partial file on failure.
func (o *rootOptions) download(cmd *cobra.Command, dir, jobID, out string) error {
	c, err := server.Dial(o.addr)
	if err != nil {
		return err
	}
	defer c.Close()

	var w io.Writer = cmd.OutOrStdout()
	if out != "-" {
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", out, err)
		}
		defer f.Close()
		w = f
	}
	n, err := c.DownloadArchive(cmd.Context(), dir, jobID, w)
	if err != nil {
		if out != "-" {
			os.Remove(out)
		}
		return err
	}
	if out != "-" {
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%d bytes)\n", out, n)
	}
	return nil
}

// ============================================================================
// cache
// ============================================================================

func buildCacheCommand(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the download cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show cache usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
				return c.CacheStats(ctx)
			})
		},
	})

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List cached directories, most recently used first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
				return c.ListCache(ctx, limit)
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 0, "maximum entries, 0 for all")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "info <path>",
		Short: "Show one cached directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
				return c.CacheInfo(ctx, args[0])
			})
		},
	})

	var files bool
	rm := &cobra.Command{
		Use:   "rm <path>",
		Short: "Stop tracking a directory, optionally deleting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
				freed, orphan, err := c.RemoveCache(ctx, args[0], files)
				if err != nil {
					return nil, err
				}
				out := map[string]any{"path": args[0], "freed_bytes": freed}
				if orphan != "" {
					out["error"] = orphan
				}
				return out, nil
			})
		},
	}
	rm.Flags().BoolVar(&files, "files", false, "also delete the directory from disk")
	cmd.AddCommand(rm)

	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Run one cleanup cycle now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
				return c.Sweep(ctx)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "touch <path>",
		Short: "Refresh the last access time of a cached directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
				return c.TouchCache(ctx, args[0])
			})
		},
	})

	var size int64
	register := &cobra.Command{
		Use:   "register <path>",
		Short: "Start tracking a directory under the downloads root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
				return c.RegisterCache(ctx, args[0], size)
			})
		},
	}
	register.Flags().Int64Var(&size, "size", -1, "size in bytes, measured on disk when negative")
	cmd.AddCommand(register)

	var out string
	archive := &cobra.Command{
		Use:   "archive <path>",
		Short: "Download a cached directory as a zip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dst := out
			if dst == "" {
				dst = path.Base(args[0]) + ".zip"
			}
			return o.download(cmd, args[0], "", dst)
		},
	}
	archive.Flags().StringVarP(&out, "output", "o", "", "destination file, - for stdout (default <dir>.zip)")
	cmd.AddCommand(archive)
	return cmd
}

// ============================================================================
// scheduler
// ============================================================================

func buildSchedulerCommand(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Control the periodic cache cleanup of a running server",
	}
	for _, sub := range []struct {
		use, short string
		call       func(*server.Client, context.Context) (cache.SchedulerStatus, error)
	}{
		{"status", "Show whether the loop runs and the last sweep report", (*server.Client).SchedulerStatus},
		{"start", "Start the cleanup loop", (*server.Client).SchedulerStart},
		{"stop", "Stop the cleanup loop after the current cycle", (*server.Client).SchedulerStop},
	} {
		call := sub.call
		cmd.AddCommand(&cobra.Command{
			Use:   sub.use,
			Short: sub.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return o.withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
					return call(c, ctx)
				})
			},
		})
	}
	return cmd
}
