package changecoll

import (
	"encoding/binary"

	"github.com/rzbill/changeflo/pkg/optime"
)

const eventKeySuffix = 8 + 4

var (
	sep           = byte('/')
	collPrefix    = []byte("cc/")
	eventSeg      = []byte("e/")
	appendMetaSeg = []byte("ma")
	truncMetaSeg  = []byte("mt")
)

// keyIncarnation builds the prefix shared by every key of one incarnation.
func keyIncarnation(tenant string, epoch uint64) []byte {
	k := make([]byte, 0, len(collPrefix)+len(tenant)+10)
	k = append(k, collPrefix...)
	k = append(k, tenant...)
	k = append(k, sep)
	k = binary.BigEndian.AppendUint64(k, epoch)
	k = append(k, sep)
	return k
}

func keyEventPrefix(inc []byte) []byte {
	k := make([]byte, 0, len(inc)+len(eventSeg))
	k = append(k, inc...)
	return append(k, eventSeg...)
}

func keyEvent(inc []byte, pos Position) []byte {
	k := make([]byte, 0, len(inc)+len(eventSeg)+eventKeySuffix)
	k = append(k, inc...)
	k = append(k, eventSeg...)
	k = binary.BigEndian.AppendUint64(k, uint64(pos.Ts))
	return binary.BigEndian.AppendUint32(k, pos.Ord)
}

func posFromKey(k []byte) Position {
	s := k[len(k)-eventKeySuffix:]
	return Position{
		Ts:  optime.Timestamp(binary.BigEndian.Uint64(s[:8])),
		Ord: binary.BigEndian.Uint32(s[8:]),
	}
}

func keyAppendMeta(inc []byte) []byte {
	return append(append([]byte(nil), inc...), appendMetaSeg...)
}

func keyTruncMeta(inc []byte) []byte {
	return append(append([]byte(nil), inc...), truncMetaSeg...)
}

// progress is the persisted form of both meta records:
// ts be8 | ord be4 | events be8 | bytes be8.
type progress struct {
	pos    Position
	events int64
	bytes  int64
}

func (p progress) encode() []byte {
	b := make([]byte, 0, 28)
	b = binary.BigEndian.AppendUint64(b, uint64(p.pos.Ts))
	b = binary.BigEndian.AppendUint32(b, p.pos.Ord)
	b = binary.BigEndian.AppendUint64(b, uint64(p.events))
	return binary.BigEndian.AppendUint64(b, uint64(p.bytes))
}

func decodeProgress(b []byte) (progress, bool) {
	if len(b) < 28 {
		return progress{}, false
	}
	return progress{
		pos:    Position{Ts: optime.Timestamp(binary.BigEndian.Uint64(b[:8])), Ord: binary.BigEndian.Uint32(b[8:12])},
		events: int64(binary.BigEndian.Uint64(b[12:20])),
		bytes:  int64(binary.BigEndian.Uint64(b[20:28])),
	}, true
}
