package controllers

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/ice/internal/ice"
)

// Common request/response types for HTTP controllers

// addReq represents a request to add one job. ID defaults to a random UUID
// and RetryCount to the server default.
type addReq struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	Body       json.RawMessage `json:"body"`
	DelayMs    int64           `json:"delayMs"`
	TTRMs      int64           `json:"ttrMs"`
	RetryCount *int            `json:"retryCount"`
}

func (r addReq) job() *ice.Job {
	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}
	retry := -1
	if r.RetryCount != nil {
		retry = *r.RetryCount
	}
	var body json.RawMessage
	if len(r.Body) > 0 && string(r.Body) != "null" {
		body = r.Body
	}
	return &ice.Job{
		ID:         id,
		Topic:      r.Topic,
		Body:       body,
		Delay:      time.Duration(r.DelayMs) * time.Millisecond,
		TTR:        time.Duration(r.TTRMs) * time.Millisecond,
		RetryCount: retry,
	}
}

// bulkAddReq adds every job in one atomic batch.
type bulkAddReq struct {
	Jobs []addReq `json:"jobs"`
}

// idsReq names jobs to finish or delete.
type idsReq struct {
	IDs []string `json:"ids"`
}

// jobsResp wraps a list of jobs.
type jobsResp struct {
	Jobs []*ice.Job `json:"jobs"`
}
