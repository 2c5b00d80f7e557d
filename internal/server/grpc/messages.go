package grpcserver

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rzbill/ice/internal/ice"
)

// Request and response shapes of ice.v1.IceService. They travel as
// google.protobuf.Struct using the same field names as the JSON gateway.

// AddJob is one job to add. RetryCount nil means the server default.
type AddJob struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	Body       json.RawMessage `json:"body,omitempty"`
	DelayMs    int64           `json:"delayMs,omitempty"`
	TTRMs      int64           `json:"ttrMs,omitempty"`
	RetryCount *int            `json:"retryCount,omitempty"`
}

type AddRequest struct {
	Jobs []AddJob `json:"jobs"`
}

type PopRequest struct {
	Topic string `json:"topic"`
	Count int    `json:"count,omitempty"`
}

type IDsRequest struct {
	IDs []string `json:"ids"`
}

type GetRequest struct {
	ID string `json:"id"`
}

type ListRequest struct {
	Filter string `json:"filter,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type StatsRequest struct {
	Topics []string `json:"topics,omitempty"`
}

// JobsResponse carries the jobs returned by Add, Pop and List.
type JobsResponse struct {
	Jobs []*ice.Job `json:"jobs"`
}

type GetResponse struct {
	Job *ice.Job `json:"job"`
}

type Empty struct{}

// toStruct encodes v through its JSON form; v must encode as an object.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("encode struct: %w", err)
	}
	return s, nil
}

// fromStruct decodes s into v. AsMap plus encoding/json keeps whole numbers
// in plain notation, which protojson would render as 1e+06.
func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
