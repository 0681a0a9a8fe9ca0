// ============================================================================
// dlcache gRPC 服務
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 以 gRPC 暴露任務與快取操作，供 CLI 與其他服務呼叫
//
// 訊息格式:
//   使用 protobuf well-known types（Struct / StringValue / Empty），
//   Struct 內容與 HTTP API 的 JSON 相同。
//
// 錯誤對應:
//   ErrJobNotFound / ErrNotTracked        → NotFound（含不存在的目錄）
//   ErrEmptyRequest / ErrInvalidPath      → InvalidArgument
//   InvalidTransition / ErrJobActive      → FailedPrecondition
//   lease.ErrConflict / ErrAlreadyRunning → Aborted
//   store.ErrUnavailable / ErrStopped     → Unavailable
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/dlcache/internal/cache"
	"github.com/ChuLiYu/dlcache/internal/controller"
	"github.com/ChuLiYu/dlcache/internal/jobstore"
	"github.com/ChuLiYu/dlcache/internal/lease"
	"github.com/ChuLiYu/dlcache/internal/store"
	"github.com/ChuLiYu/dlcache/pkg/types"
)

var log = slog.Default()

// JobView is a job record together with its latest progress.
type JobView struct {
	Job      types.Job       `json:"job"`
	Progress *types.Progress `json:"progress,omitempty"`
}

// BatchResult is one entry of a batch submission.
type BatchResult struct {
	Job          *types.Job `json:"job,omitempty"`
	Deduplicated bool       `json:"deduplicated,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Server implements JobServiceServer on top of the controller and the
// shared stores.
type Server struct {
	ctl        *controller.Controller
	jobs       *jobstore.Store
	cache      *cache.Index
	sched      *cache.Scheduler
	grpc       *grpc.Server
	watchEvery time.Duration // WatchJob 輪詢間隔，0 使用 jobstore 預設
}

var _ JobServiceServer = (*Server)(nil)

// NewServer creates a new gRPC server instance. sched may be nil.
func NewServer(ctl *controller.Controller, jobs *jobstore.Store, idx *cache.Index, sched *cache.Scheduler) *Server {
	s := &Server{ctl: ctl, jobs: jobs, cache: idx, sched: sched}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(logUnary), grpc.StreamInterceptor(logStream))
	RegisterJobServiceServer(s.grpc, s)
	return s
}

// Serve blocks serving on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	log.Info("gRPC server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop waits for in-flight calls, then closes listeners.
func (s *Server) Stop() { s.grpc.GracefulStop() }

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	if code == codes.Internal || code == codes.Unavailable {
		log.Warn("gRPC call failed", "method", info.FullMethod, "code", code.String(), "error", err)
	} else {
		log.Debug("gRPC call", "method", info.FullMethod, "code", code.String(), "duration", time.Since(start))
	}
	return resp, err
}

func logStream(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	code := status.Code(err)
	if code == codes.Internal || code == codes.Unavailable {
		log.Warn("gRPC stream failed", "method", info.FullMethod, "code", code.String(), "error", err)
	} else {
		log.Debug("gRPC stream", "method", info.FullMethod, "code", code.String(), "duration", time.Since(start))
	}
	return err
}

// ============================================================================
// 任務
// ============================================================================

func (s *Server) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req types.DownloadRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	sub, err := s.ctl.Submit(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(sub)
}

func (s *Server) SubmitBatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body struct {
		Requests []types.DownloadRequest `json:"requests"`
	}
	if err := fromStruct(in, &body); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	subs, errs := s.ctl.SubmitBatch(ctx, body.Requests)
	results := make([]BatchResult, len(subs))
	for i := range subs {
		if errs[i] != nil {
			results[i].Error = errs[i].Error()
			continue
		}
		job := subs[i].Job
		results[i].Job = &job
		results[i].Deduplicated = subs[i].Deduplicated
	}
	return toStruct(map[string]any{"results": results})
}

func (s *Server) GetJob(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	id := types.JobID(in.GetValue())
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	view := JobView{Job: job}
	if p, ok, err := s.jobs.GetProgress(ctx, id); err == nil && ok {
		view.Progress = &p
	}
	return toStruct(view)
}

func (s *Server) TailLogs(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body struct {
		ID string `json:"id"`
		N  int    `json:"n"`
	}
	if err := fromStruct(in, &body); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	lines, err := s.jobs.Tail(ctx, types.JobID(body.ID), body.N)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"lines": lines})
}

func (s *Server) CancelJob(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	job, err := s.ctl.Cancel(ctx, types.JobID(in.GetValue()))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(job)
}

func (s *Server) ListJobs(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body struct {
		Offset      int  `json:"offset"`
		Limit       int  `json:"limit"`
		OldestFirst bool `json:"oldest_first"`
	}
	if err := fromStruct(in, &body); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	page, err := s.jobs.List(ctx, body.Offset, body.Limit, !body.OldestFirst)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(page)
}

func (s *Server) DeleteJob(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.jobs.Delete(ctx, types.JobID(in.GetValue())); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// WatchJob sends every jobstore event until the job is terminal.
func (s *Server) WatchJob(in *wrapperspb.StringValue, stream ServerStream[*structpb.Struct]) error {
	ctx := stream.Context()
	err := s.jobs.Watch(ctx, types.JobID(in.GetValue()), s.watchEvery, func(ev jobstore.Event) error {
		msg, err := toStruct(ev)
		if err != nil {
			return err
		}
		return stream.Send(msg)
	})
	if err != nil {
		if _, ok := status.FromError(err); ok {
			return err
		}
		return toStatus(err)
	}
	return nil
}

// ============================================================================
// 快取
// ============================================================================

func (s *Server) CacheStats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := s.cache.Stats(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(st)
}

func (s *Server) ListCache(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body struct {
		Limit int `json:"limit"`
	}
	if err := fromStruct(in, &body); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	entries, err := s.cache.List(ctx, body.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"entries": entries})
}

func (s *Server) CacheInfo(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	e, err := s.cache.Info(ctx, in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(e)
}

func (s *Server) RemoveCache(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body struct {
		Path        string `json:"path"`
		DeleteFiles bool   `json:"delete_files"`
	}
	if err := fromStruct(in, &body); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	freed, err := s.cache.Remove(ctx, body.Path, body.DeleteFiles)
	if err != nil && !errors.Is(err, cache.ErrPartialEviction) {
		return nil, toStatus(err)
	}
	out := map[string]any{"path": body.Path, "freed_bytes": freed}
	if err != nil {
		out["error"] = err.Error()
	}
	return toStruct(out)
}

func (s *Server) Sweep(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.sched == nil {
		return nil, errNoScheduler
	}
	rep, err := s.sched.RunOnce(ctx)
	if errors.Is(err, cache.ErrDisabled) {
		return nil, toStatus(err)
	}
	// 其他錯誤已寫入 rep.Errors
	return toStruct(rep)
}

func (s *Server) TouchCache(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	if !s.cache.Enabled() {
		return nil, toStatus(cache.ErrDisabled)
	}
	tracked, err := s.cache.Touch(ctx, in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	if !tracked {
		return nil, toStatus(fmt.Errorf("%w: %s", cache.ErrNotTracked, in.GetValue()))
	}
	e, err := s.cache.Info(ctx, in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(e)
}

// RegisterCache registers {"path"}; without "size_bytes" the directory is
// measured on disk.
func (s *Server) RegisterCache(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body struct {
		Path      string `json:"path"`
		SizeBytes *int64 `json:"size_bytes"`
	}
	if err := fromStruct(in, &body); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if !s.cache.Enabled() {
		return nil, toStatus(cache.ErrDisabled)
	}
	path := body.Path
	if body.SizeBytes == nil {
		rel, _, err := s.cache.RegisterDir(ctx, body.Path)
		if err != nil {
			return nil, toStatus(err)
		}
		path = rel
	} else if err := s.cache.Register(ctx, body.Path, *body.SizeBytes); err != nil {
		return nil, toStatus(err)
	}
	e, err := s.cache.Info(ctx, path)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(e)
}

// archiveChunk is the payload size of one DownloadArchive message.
const archiveChunk = 64 << 10

// chunkSender buffers zip output into archiveChunk-sized messages.
type chunkSender struct {
	stream ServerStream[*wrapperspb.BytesValue]
	buf    []byte
}

func (c *chunkSender) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		take := min(archiveChunk-len(c.buf), len(p))
		c.buf = append(c.buf, p[:take]...)
		p = p[take:]
		if len(c.buf) == archiveChunk {
			if err := c.flush(); err != nil {
				return 0, err
			}
		}
	}
	return n, nil
}

func (c *chunkSender) flush() error {
	if len(c.buf) == 0 {
		return nil
	}
	err := c.stream.Send(wrapperspb.Bytes(c.buf))
	c.buf = make([]byte, 0, archiveChunk)
	return err
}

// DownloadArchive streams {"path"} (a tracked directory or one below it) or
// the output of {"job_id"} as a zip archive.
func (s *Server) DownloadArchive(in *structpb.Struct, stream ServerStream[*wrapperspb.BytesValue]) error {
	var body struct {
		Path  string `json:"path"`
		JobID string `json:"job_id"`
	}
	if err := fromStruct(in, &body); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	ctx := stream.Context()
	path := body.Path
	if body.JobID != "" {
		job, err := s.jobs.Get(ctx, types.JobID(body.JobID))
		if err != nil {
			return toStatus(err)
		}
		if !job.Status.IsTerminal() {
			return toStatus(fmt.Errorf("%w: %s is %s", jobstore.ErrJobActive, job.ID, job.Status))
		}
		if job.OutputDir == "" {
			return status.Errorf(codes.NotFound, "job %s produced no output", job.ID)
		}
		path = job.OutputDir
	}
	if path == "" {
		return status.Error(codes.InvalidArgument, "path or job_id required")
	}
	w := &chunkSender{stream: stream, buf: make([]byte, 0, archiveChunk)}
	if err := s.cache.ZipTo(ctx, path, func(string) io.Writer { return w }); err != nil {
		return toStatus(err)
	}
	if err := w.flush(); err != nil {
		return toStatus(err)
	}
	return nil
}

// ============================================================================
// 排程器
// ============================================================================

var errNoScheduler = status.Error(codes.Unavailable, "scheduler not configured")

func (s *Server) SchedulerStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	if s.sched == nil {
		return nil, errNoScheduler
	}
	return toStruct(s.sched.Status())
}

func (s *Server) SchedulerStart(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	if s.sched == nil {
		return nil, errNoScheduler
	}
	if !s.cache.Enabled() {
		return nil, toStatus(cache.ErrDisabled)
	}
	if err := s.sched.Start(); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(s.sched.Status())
}

func (s *Server) SchedulerStop(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	if s.sched == nil {
		return nil, errNoScheduler
	}
	s.sched.Stop()
	return toStruct(s.sched.Status())
}

// ============================================================================
// 輔助函數
// ============================================================================

// toStatus maps domain errors onto gRPC status codes.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, jobstore.ErrJobNotFound), errors.Is(err, cache.ErrNotTracked),
		errors.Is(err, fs.ErrNotExist):
		code = codes.NotFound
	case errors.Is(err, controller.ErrEmptyRequest), errors.Is(err, cache.ErrInvalidPath):
		code = codes.InvalidArgument
	case errors.Is(err, jobstore.ErrInvalidTransition), errors.Is(err, jobstore.ErrJobActive),
		errors.Is(err, cache.ErrDisabled):
		code = codes.FailedPrecondition
	case errors.Is(err, lease.ErrConflict), errors.Is(err, cache.ErrAlreadyRunning):
		code = codes.Aborted
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, controller.ErrStopped):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

// fromStruct decodes s into v. Numbers go through AsMap as float64 and are
// re-encoded in plain decimal so integer fields decode.
func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("marshal struct: %w", err)
	}
	return json.Unmarshal(b, v)
}
