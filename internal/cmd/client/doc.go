// Package client provides the `ice` command-line client.
//
// The CLI talks to the Ice gRPC endpoint to add, reserve, acknowledge and
// inspect delayed jobs from a terminal. The address is read from the
// ICE_GRPC environment variable (default 127.0.0.1:50051).
//
// Usage
//
//	ice job add --topic sms --data '{"to":"+100"}' --delay 30s
//	ice job add --topic sms --id order-42 --ttr 10s --retry 5
//
//	ice job pop --topic sms --count 10
//	ice job pop --topic sms --finish          # reserve and acknowledge
//
//	ice job finish sms-order-42
//	ice job delete sms-order-42 sms-order-43
//	ice job get sms-order-42
//	ice job list --filter 'status == "RESERVED"' --limit 20
//
//	ice stats --topic sms --topic email
//
// Notes
//
//   - job ids are prefixed with their topic by the server: adding id 42 to
//     topic sms stores sms-42.
//   - --data that is not valid JSON is stored as a JSON string.
package client
