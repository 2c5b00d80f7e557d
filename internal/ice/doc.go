// Package ice implements a delayed job queue on top of three storage
// structures: a Job Pool holding job metadata, a Delay Bucket ordering jobs
// by due time and per-topic Ready Queues of claimable jobs.
//
// # Lifecycle
//
// Ice.AddJobs writes the job (status DELAY) and schedules it in the Delay
// Bucket in one atomic Batch. The Scheduler periodically promotes due
// entries into the Ready Queue of their topic. Ice.Pop reserves the job at
// the head of a topic: the job becomes RESERVED and is re-scheduled at
// now+TTR, so a consumer that never calls Finish sees it delivered again
// once the TTR elapses. Finish and Delete drop the job from the Job Pool;
// entries left behind in the other structures are skipped as tombstones.
//
// # Generations
//
// Every add and every reservation stamps the job with a fresh generation
// that is copied into its DelayJob. A ready entry whose generation differs
// from the job's current one is stale (for example a scheduler move that
// raced a reservation) and is discarded rather than delivered.
//
// Usage
//
//	q := ice.New(store, ice.WithTTR(30*time.Second), ice.WithLogger(logger))
//	sched := ice.NewScheduler(store, ice.SchedulerOptions{Interval: 200 * time.Millisecond})
//	sched.Start()
//	defer sched.Stop()
//
//	_, _ = q.Add(ctx, "42", "sms", map[string]string{"to": "+100"}, 2*time.Second)
//	job, err := q.Pop(ctx, "sms")
//	if err == nil && job != nil {
//	    _ = q.Finish(ctx, job.ID)
//	}
package ice
