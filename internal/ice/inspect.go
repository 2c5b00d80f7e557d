package ice

import (
	"context"
)

// Stats is a point-in-time view of queue depths.
type Stats struct {
	Delayed int            `json:"delayed"`
	Ready   map[string]int `json:"ready"`
}

// Stats reports the Delay Bucket size and the Ready Queue length of each
// topic, or of the configured topics when none are given. Counts include
// tombstones.
func (i *Ice) Stats(ctx context.Context, topics ...string) (Stats, error) {
	if len(topics) == 0 {
		topics = i.topics
	}
	delayed, err := i.store.Bucket().Len(ctx)
	if err != nil {
		return Stats{}, storeErr("bucket len", err)
	}
	st := Stats{Delayed: delayed, Ready: make(map[string]int, len(topics))}
	for _, t := range topics {
		if err := validateTopic(t); err != nil {
			return Stats{}, err
		}
		n, err := i.store.Ready().Len(ctx, t)
		if err != nil {
			return Stats{}, storeErr("ready len", err)
		}
		st.Ready[t] = n
	}
	return st, nil
}

// List returns up to limit jobs from the Job Pool matching the CEL
// expression expr (see Filter). limit <= 0 means no limit.
func (i *Ice) List(ctx context.Context, expr string, limit int) ([]*Job, error) {
	f, err := CompileFilter(expr)
	if err != nil {
		return nil, err
	}
	now := i.now()
	var out []*Job
	err = i.store.Pool().Scan(ctx, func(j *Job) bool {
		if f.Match(j, now) {
			out = append(out, j)
		}
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, storeErr("pool scan", err)
	}
	return out, nil
}
