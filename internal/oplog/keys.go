package oplog

import (
	"encoding/binary"

	"github.com/rzbill/changeflo/pkg/optime"
)

// Keyspace:
//   - oplog/m            last committed timestamp (be8)
//   - oplog/tr           truncation watermark: entries <= it are gone (be8)
//   - oplog/e/{ts_be8}   entries

var (
	keyMeta      = []byte("oplog/m")
	keyTruncated = []byte("oplog/tr")
	entryPrefix  = []byte("oplog/e/")
)

func keyEntry(ts optime.Timestamp) []byte {
	k := make([]byte, 0, len(entryPrefix)+8)
	k = append(k, entryPrefix...)
	return binary.BigEndian.AppendUint64(k, uint64(ts))
}

func tsFromKey(k []byte) optime.Timestamp {
	return optime.Timestamp(binary.BigEndian.Uint64(k[len(entryPrefix):]))
}
