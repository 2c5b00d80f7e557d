package ice

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a live job. A deleted job is absent from
// the Job Pool and has no status.
type Status string

const (
	StatusDelay    Status = "DELAY"
	StatusReserved Status = "RESERVED"
)

func (s Status) String() string { return string(s) }

// Job is the unit of work stored in the Job Pool.
type Job struct {
	// ID is "<topic>-<producer id>" once the job has been added.
	ID    string
	Topic string
	// Body is the opaque JSON payload supplied by the producer.
	Body  json.RawMessage
	Delay time.Duration
	TTR   time.Duration
	// RetryCount is the number of re-deliveries left after the first one.
	RetryCount int
	Status     Status
	Deliveries int
	// Exhausted is set when the job was reserved with no retries left.
	Exhausted  bool
	Generation int64
	CreatedMs  int64
}

type jobJSON struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	Body       json.RawMessage `json:"body,omitempty"`
	DelayMs    int64           `json:"delayMs"`
	TTRMs      int64           `json:"ttrMs"`
	RetryCount int             `json:"retryCount"`
	Status     Status          `json:"status"`
	Deliveries int             `json:"deliveries,omitempty"`
	Exhausted  bool            `json:"exhausted,omitempty"`
	Generation int64           `json:"generation"`
	CreatedMs  int64           `json:"createdMs,omitempty"`
}

func (j Job) MarshalJSON() ([]byte, error) {
	return json.Marshal(jobJSON{
		ID:         j.ID,
		Topic:      j.Topic,
		Body:       j.Body,
		DelayMs:    j.Delay.Milliseconds(),
		TTRMs:      j.TTR.Milliseconds(),
		RetryCount: j.RetryCount,
		Status:     j.Status,
		Deliveries: j.Deliveries,
		Exhausted:  j.Exhausted,
		Generation: j.Generation,
		CreatedMs:  j.CreatedMs,
	})
}

func (j *Job) UnmarshalJSON(b []byte) error {
	var v jobJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*j = Job{
		ID:         v.ID,
		Topic:      v.Topic,
		Body:       v.Body,
		Delay:      time.Duration(v.DelayMs) * time.Millisecond,
		TTR:        time.Duration(v.TTRMs) * time.Millisecond,
		RetryCount: v.RetryCount,
		Status:     v.Status,
		Deliveries: v.Deliveries,
		Exhausted:  v.Exhausted,
		Generation: v.Generation,
		CreatedMs:  v.CreatedMs,
	}
	return nil
}

// Decode unmarshals the job body into v. A body that does not fit v yields
// ErrBodyType; the job itself is left untouched.
func (j *Job) Decode(v any) error {
	if len(j.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(j.Body, v); err != nil {
		return fmt.Errorf("%w: job %s: %v", ErrBodyType, j.ID, err)
	}
	return nil
}

// BodyAs decodes the body of j into a new T.
func BodyAs[T any](j *Job) (T, error) {
	var v T
	err := j.Decode(&v)
	return v, err
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	c := *j
	if j.Body != nil {
		c.Body = append(json.RawMessage(nil), j.Body...)
	}
	return &c
}

func (j *Job) validate() error {
	switch {
	case j == nil:
		return fmt.Errorf("%w: nil job", ErrInvalidJob)
	case j.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidJob)
	case j.Delay < 0 || j.TTR < 0:
		return fmt.Errorf("%w: negative duration on %s", ErrInvalidJob, j.ID)
	case len(j.Body) > 0 && !json.Valid(j.Body):
		return fmt.Errorf("%w: body of %s is not valid JSON", ErrInvalidJob, j.ID)
	}
	return validateTopic(j.Topic)
}

func validateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidJob)
	}
	if strings.IndexByte(topic, 0) >= 0 {
		return fmt.Errorf("%w: topic contains NUL", ErrInvalidJob)
	}
	return nil
}

// DelayJob is the scheduling record of a job. It lives in the Delay Bucket
// until due and then travels unchanged into the topic's Ready Queue.
type DelayJob struct {
	JobID      string `json:"jobId"`
	Topic      string `json:"topic"`
	DueMs      int64  `json:"dueMs"`
	Generation int64  `json:"gen"`
}

// NewDelayJob schedules j at due.
func NewDelayJob(j *Job, due time.Time) DelayJob {
	return DelayJob{JobID: j.ID, Topic: j.Topic, DueMs: due.UnixMilli(), Generation: j.Generation}
}

// Due returns the due time.
func (d DelayJob) Due() time.Time { return time.UnixMilli(d.DueMs) }

// matches reports whether d still describes the current incarnation of j.
func (d DelayJob) matches(j *Job) bool {
	return j != nil && j.Generation == d.Generation && j.Topic == d.Topic
}
