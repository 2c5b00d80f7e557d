package grpcserver

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rzbill/ice/internal/ice"
)

// Client is a typed client for ice.v1.IceService.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client { return &Client{conn: conn} }

// Conn exposes the underlying connection.
func (c *Client) Conn() *grpc.ClientConn { return c.conn }

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return fromStruct(out, resp)
}

// Add adds jobs in one batch and returns them as stored.
func (c *Client) Add(ctx context.Context, jobs ...AddJob) ([]*ice.Job, error) {
	var resp JobsResponse
	if err := c.call(ctx, "Add", AddRequest{Jobs: jobs}, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// AddOne is a convenience wrapper for a single job.
func (c *Client) AddOne(ctx context.Context, id, topic string, body []byte, delay time.Duration) (*ice.Job, error) {
	jobs, err := c.Add(ctx, AddJob{ID: id, Topic: topic, Body: body, DelayMs: delay.Milliseconds()})
	if err != nil {
		return nil, err
	}
	return jobs[0], nil
}

// Pop reserves up to count jobs from topic; an empty slice means nothing
// was ready.
func (c *Client) Pop(ctx context.Context, topic string, count int) ([]*ice.Job, error) {
	var resp JobsResponse
	if err := c.call(ctx, "Pop", PopRequest{Topic: topic, Count: count}, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

func (c *Client) Finish(ctx context.Context, ids ...string) error {
	return c.call(ctx, "Finish", IDsRequest{IDs: ids}, nil)
}

func (c *Client) Delete(ctx context.Context, ids ...string) error {
	return c.call(ctx, "Delete", IDsRequest{IDs: ids}, nil)
}

// Get returns the job; a missing job is a NotFound status error.
func (c *Client) Get(ctx context.Context, id string) (*ice.Job, error) {
	var resp GetResponse
	if err := c.call(ctx, "Get", GetRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return resp.Job, nil
}

func (c *Client) List(ctx context.Context, filter string, limit int) ([]*ice.Job, error) {
	var resp JobsResponse
	if err := c.call(ctx, "List", ListRequest{Filter: filter, Limit: limit}, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

func (c *Client) Stats(ctx context.Context, topics ...string) (ice.Stats, error) {
	var st ice.Stats
	err := c.call(ctx, "Stats", StatsRequest{Topics: topics}, &st)
	return st, err
}
