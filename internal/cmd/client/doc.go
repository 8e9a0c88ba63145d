// Package client provides the `changeflo` command-line client.
//
// The CLI talks to the changeflo gRPC endpoint to manage tenant change
// streams, commit ops and tail change events from a terminal. It is
// primarily intended for developers and operators.
//
// # Address configuration
//
// The gRPC address is read from the CHANGEFLO_GRPC environment variable
// (default 127.0.0.1:9090).
//
// Usage
//
//	changeflo tenant enable --tenant acme
//	changeflo tenant status --tenant acme
//
//	changeflo ingest --tenant acme --op insert --db shop --coll orders \
//	    --key '{"_id":1}' --doc '{"_id":1,"qty":3}'
//	changeflo ingest --tenant acme --file ops.json
//
//	# Tail events; one JSON document per line
//	changeflo watch --tenant acme --db shop --limit 10
//	changeflo watch --tenant acme --resume-after 8264A1...
//	changeflo watch --tenant acme --start-at 1760745600.1
//	changeflo watch --tenant acme --filter 'operationType == "insert"'
//
//	# Server-side cursors
//	changeflo cursor open --tenant acme --batch-size 100
//	changeflo cursor next --tenant acme --id <cursor-id> --max-await 2s
//	changeflo cursor kill --tenant acme --id <cursor-id>
//
//	changeflo stats --tenant acme
//
// Notes
//
//   - At most one of --resume-after, --start-at and --from-earliest may be
//     given. Without any of them the stream starts at the current cluster
//     time.
//   - watch exits when the stream is invalidated (drop, dropDatabase or
//     rename of the watched namespace) or when --limit is reached.
package client
