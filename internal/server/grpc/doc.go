// Package grpcserver hosts the gRPC surface of Ice: the ice.v1.IceService
// (messages are google.protobuf.Struct values shaped like the JSON gateway)
// and the standard grpc.health.v1 service. Client is the typed caller used
// by the CLI.
//
// Example:
//
//	rt, _ := runtime.Open(ctx, runtime.Options{Config: config.Default()})
//	s := grpcserver.New(rt, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":50051")
package grpcserver
