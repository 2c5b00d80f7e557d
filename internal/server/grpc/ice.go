package grpcserver

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/google/uuid"

	"github.com/rzbill/ice/internal/ice"
	"github.com/rzbill/ice/internal/runtime"
)

type iceSvc struct {
	rt *runtime.Runtime
}

var _ IceServiceServer = (*iceSvc)(nil)

func (s *iceSvc) Add(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req AddRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if len(req.Jobs) == 0 {
		return nil, status.Error(codes.InvalidArgument, "jobs must not be empty")
	}
	jobs := make([]*ice.Job, len(req.Jobs))
	for i, a := range req.Jobs {
		id := a.ID
		if id == "" {
			id = uuid.NewString()
		}
		retry := -1
		if a.RetryCount != nil {
			retry = *a.RetryCount
		}
		body := a.Body
		if string(body) == "null" {
			body = nil
		}
		jobs[i] = &ice.Job{
			ID:         id,
			Topic:      a.Topic,
			Body:       body,
			Delay:      time.Duration(a.DelayMs) * time.Millisecond,
			TTR:        time.Duration(a.TTRMs) * time.Millisecond,
			RetryCount: retry,
		}
	}
	if err := s.rt.Ice().AddJobs(ctx, jobs...); err != nil {
		return nil, toStatus(err)
	}
	return reply(JobsResponse{Jobs: jobs})
}

func (s *iceSvc) Pop(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req PopRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.Count <= 1 {
		j, err := s.rt.Ice().Pop(ctx, req.Topic)
		if err != nil {
			return nil, toStatus(err)
		}
		resp := JobsResponse{Jobs: []*ice.Job{}}
		if j != nil {
			resp.Jobs = append(resp.Jobs, j)
		}
		return reply(resp)
	}
	jobs, err := s.rt.Ice().PopN(ctx, req.Topic, req.Count)
	if err != nil && len(jobs) == 0 {
		return nil, toStatus(err)
	}
	if jobs == nil {
		jobs = []*ice.Job{}
	}
	return reply(JobsResponse{Jobs: jobs})
}

func (s *iceSvc) Finish(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req IDsRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.rt.Ice().Finish(ctx, req.IDs...); err != nil {
		return nil, toStatus(err)
	}
	return reply(Empty{})
}

func (s *iceSvc) Delete(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req IDsRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.rt.Ice().Delete(ctx, req.IDs...); err != nil {
		return nil, toStatus(err)
	}
	return reply(Empty{})
}

func (s *iceSvc) Get(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req GetRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	j, err := s.rt.Ice().Get(ctx, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	if j == nil {
		return nil, status.Errorf(codes.NotFound, "job %s not found", req.ID)
	}
	return reply(GetResponse{Job: j})
}

func (s *iceSvc) List(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ListRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	jobs, err := s.rt.Ice().List(ctx, req.Filter, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	if jobs == nil {
		jobs = []*ice.Job{}
	}
	return reply(JobsResponse{Jobs: jobs})
}

func (s *iceSvc) Stats(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req StatsRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	st, err := s.rt.Ice().Stats(ctx, req.Topics...)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(st)
}

func reply(v any) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func toStatus(err error) error {
	var se *ice.StoreError
	switch {
	case errors.Is(err, ice.ErrInvalidJob), errors.Is(err, ice.ErrInvalidFilter), errors.Is(err, ice.ErrBodyType):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ice.ErrTombstoneBudget):
		return status.Error(codes.Aborted, err.Error())
	case errors.As(err, &se):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
