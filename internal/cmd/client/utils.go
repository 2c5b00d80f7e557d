package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	grpcserver "github.com/rzbill/ice/internal/server/grpc"
)

// grpcAddrFromEnv returns the gRPC server address from ICE_GRPC or a default.
func grpcAddrFromEnv() string {
	if addr := os.Getenv("ICE_GRPC"); addr != "" {
		return addr
	}
	return "127.0.0.1:50051"
}

// withClient provides an IceService client and ensures the connection is closed.
func withClient(ctx context.Context, fn func(*grpcserver.Client) error) error {
	cli, err := grpcserver.Dial(grpcAddrFromEnv())
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()
	return fn(cli)
}

// bodyFromFlag returns data as a JSON body. Text that is not already JSON
// is sent as a JSON string.
func bodyFromFlag(data string) (json.RawMessage, error) {
	if data == "" {
		return nil, nil
	}
	if json.Valid([]byte(data)) {
		return json.RawMessage(data), nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode --data: %w", err)
	}
	return b, nil
}

// printJSON writes v as one indented JSON document.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
