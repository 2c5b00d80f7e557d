// Package runtime wires the configured backend, the queue facade and the
// scheduler into a single Ice process. It exposes Open/Start/Close and a
// health check used by the servers.
//
// Example:
//
//	cfg := config.Default()
//	cfg.DataDir = "./data"
//	rt, _ := runtime.Open(ctx, runtime.Options{Config: cfg})
//	defer rt.Close()
//	rt.Start()
//	_, _ = rt.Ice().Add(ctx, "1", "sms", map[string]string{"to": "+100"}, time.Minute)
package runtime
