// Package pebblestore wraps the single Pebble database a changeflo node
// runs on. It applies the configured fsync policy to every commit and
// reports latencies to a MetricsHook.
//
// Components share the keyspace by prefix:
//
//	oplog/e/<ts>            oplog entries
//	oplog/m, oplog/tr       oplog append and truncation marks
//	cc/<tenant>/<epoch>/... change collection events and metadata
//	tenantmeta/<tenant>     lifecycle records
//	demux/checkpoint        last demultiplexed oplog timestamp
//	export/ckpt/<tenant>    exporter resume tokens
//	resumetoken/key         resume token MAC key
//
// Readers that must not observe a concurrent truncation take a Snapshot:
//
//	snap := db.NewSnapshot()
//	defer snap.Close()
//	it, err := snap.NewIter(pebblestore.PrefixBounds(prefix))
package pebblestore
