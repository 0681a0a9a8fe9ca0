package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/dlcache/internal/cache"
	"github.com/ChuLiYu/dlcache/internal/controller"
	"github.com/ChuLiYu/dlcache/internal/jobstore"
	"github.com/ChuLiYu/dlcache/pkg/types"
)

// Client is a typed JobService client.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) invoke(ctx context.Context, method string, in, out proto.Message) error {
	return c.conn.Invoke(ctx, fullMethod(method), in, out)
}

// call sends req (encoded as a Struct) and decodes the Struct reply into out.
func (c *Client) call(ctx context.Context, method string, req any, out any) error {
	var in proto.Message = &emptypb.Empty{}
	switch r := req.(type) {
	case string:
		in = wrapperspb.String(r)
	case nil:
	default:
		s, err := toStruct(r)
		if err != nil {
			return err
		}
		in = s
	}
	reply := &structpb.Struct{}
	if err := c.invoke(ctx, method, in, reply); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return fromStruct(reply, out)
}

func (c *Client) Submit(ctx context.Context, req types.DownloadRequest) (controller.Submission, error) {
	var sub controller.Submission
	err := c.call(ctx, "Submit", req, &sub)
	return sub, err
}

func (c *Client) SubmitBatch(ctx context.Context, reqs []types.DownloadRequest) ([]BatchResult, error) {
	var out struct {
		Results []BatchResult `json:"results"`
	}
	err := c.call(ctx, "SubmitBatch", map[string]any{"requests": reqs}, &out)
	return out.Results, err
}

func (c *Client) GetJob(ctx context.Context, id string) (JobView, error) {
	var v JobView
	err := c.call(ctx, "GetJob", id, &v)
	return v, err
}

func (c *Client) TailLogs(ctx context.Context, id string, n int) ([]string, error) {
	var out struct {
		Lines []string `json:"lines"`
	}
	err := c.call(ctx, "TailLogs", map[string]any{"id": id, "n": n}, &out)
	return out.Lines, err
}

func (c *Client) CancelJob(ctx context.Context, id string) (types.Job, error) {
	var job types.Job
	err := c.call(ctx, "CancelJob", id, &job)
	return job, err
}

func (c *Client) ListJobs(ctx context.Context, offset, limit int, oldestFirst bool) (jobstore.Page, error) {
	var page jobstore.Page
	err := c.call(ctx, "ListJobs", map[string]any{"offset": offset, "limit": limit, "oldest_first": oldestFirst}, &page)
	return page, err
}

func (c *Client) DeleteJob(ctx context.Context, id string) error {
	return c.invoke(ctx, "DeleteJob", wrapperspb.String(id), &emptypb.Empty{})
}

func (c *Client) CacheStats(ctx context.Context) (types.CacheStats, error) {
	var st types.CacheStats
	err := c.call(ctx, "CacheStats", nil, &st)
	return st, err
}

func (c *Client) ListCache(ctx context.Context, limit int) ([]types.CacheEntry, error) {
	var out struct {
		Entries []types.CacheEntry `json:"entries"`
	}
	err := c.call(ctx, "ListCache", map[string]any{"limit": limit}, &out)
	return out.Entries, err
}

func (c *Client) CacheInfo(ctx context.Context, path string) (types.CacheEntry, error) {
	var e types.CacheEntry
	err := c.call(ctx, "CacheInfo", path, &e)
	return e, err
}

// RemoveCache returns the freed bytes and, for a partial eviction, the
// orphan message reported by the server.
func (c *Client) RemoveCache(ctx context.Context, path string, deleteFiles bool) (int64, string, error) {
	var out struct {
		FreedBytes int64  `json:"freed_bytes"`
		Error      string `json:"error"`
	}
	err := c.call(ctx, "RemoveCache", map[string]any{"path": path, "delete_files": deleteFiles}, &out)
	return out.FreedBytes, out.Error, err
}

func (c *Client) Sweep(ctx context.Context) (cache.SweepReport, error) {
	var rep cache.SweepReport
	err := c.call(ctx, "Sweep", nil, &rep)
	return rep, err
}

// TouchCache refreshes a tracked directory's access time.
func (c *Client) TouchCache(ctx context.Context, path string) (types.CacheEntry, error) {
	var e types.CacheEntry
	err := c.call(ctx, "TouchCache", path, &e)
	return e, err
}

// RegisterCache registers path; a negative size lets the server measure the
// directory.
func (c *Client) RegisterCache(ctx context.Context, path string, size int64) (types.CacheEntry, error) {
	req := map[string]any{"path": path}
	if size >= 0 {
		req["size_bytes"] = size
	}
	var e types.CacheEntry
	err := c.call(ctx, "RegisterCache", req, &e)
	return e, err
}

func (c *Client) SchedulerStatus(ctx context.Context) (cache.SchedulerStatus, error) {
	var st cache.SchedulerStatus
	err := c.call(ctx, "SchedulerStatus", nil, &st)
	return st, err
}

func (c *Client) SchedulerStart(ctx context.Context) (cache.SchedulerStatus, error) {
	var st cache.SchedulerStatus
	err := c.call(ctx, "SchedulerStart", nil, &st)
	return st, err
}

func (c *Client) SchedulerStop(ctx context.Context) (cache.SchedulerStatus, error) {
	var st cache.SchedulerStatus
	err := c.call(ctx, "SchedulerStop", nil, &st)
	return st, err
}

// ============================================================================
// 串流
// ============================================================================

// openStream starts a server-streaming call and sends its only request.
func (c *Client) openStream(ctx context.Context, method string, in proto.Message) (grpc.ClientStream, error) {
	desc := &grpc.StreamDesc{StreamName: method, ServerStreams: true}
	cs, err := c.conn.NewStream(ctx, desc, fullMethod(method))
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(in); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return cs, nil
}

// WatchJob calls fn for every event until the job ends or fn fails.
func (c *Client) WatchJob(ctx context.Context, id string, fn func(jobstore.Event) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cs, err := c.openStream(ctx, "WatchJob", wrapperspb.String(id))
	if err != nil {
		return err
	}
	for {
		msg := &structpb.Struct{}
		if err := cs.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var ev jobstore.Event
		if err := fromStruct(msg, &ev); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

// DownloadArchive writes the zip of path to w. With jobID set the job's
// output directory is archived instead.
func (c *Client) DownloadArchive(ctx context.Context, path, jobID string, w io.Writer) (int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, err := toStruct(map[string]any{"path": path, "job_id": jobID})
	if err != nil {
		return 0, err
	}
	cs, err := c.openStream(ctx, "DownloadArchive", req)
	if err != nil {
		return 0, err
	}
	var total int64
	for {
		chunk := &wrapperspb.BytesValue{}
		if err := cs.RecvMsg(chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}
		n, err := w.Write(chunk.GetValue())
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
}
