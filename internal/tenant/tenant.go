// Package tenant persists per-tenant change stream state: whether change
// streams are enabled, the current incarnation epoch, and the last epoch ever
// minted so a re-enable always moves forward.
package tenant

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/changeflo/internal/storage/pebble"
	"github.com/rzbill/changeflo/pkg/optime"
)

// MaxIDLen bounds tenant identifiers.
const MaxIDLen = 128

// Meta is the durable incarnation record of a tenant.
type Meta struct {
	Tenant  string `json:"tenant"`
	Enabled bool   `json:"enabled"`
	// Epoch is the current incarnation; zero while disabled.
	Epoch uint64 `json:"epoch"`
	// LastEpoch is the highest epoch ever minted.
	LastEpoch uint64 `json:"lastEpoch"`
	// StartTs is the oplog timestamp of the enable that minted Epoch.
	StartTs optime.Timestamp `json:"startTs"`
	// ControlTs is the timestamp of the last applied control entry.
	ControlTs   optime.Timestamp `json:"controlTs"`
	UpdatedAtMs int64            `json:"updatedAtMs"`
}

var metaPrefix = []byte("tenantmeta/")

func metaKey(id string) []byte {
	k := make([]byte, 0, len(metaPrefix)+len(id))
	k = append(k, metaPrefix...)
	k = append(k, id...)
	return k
}

// ValidateID rejects ids that cannot be used as key segments.
func ValidateID(id string) error {
	switch {
	case id == "":
		return errors.New("tenant id is required")
	case len(id) > MaxIDLen:
		return errors.Newf("tenant id longer than %d bytes", MaxIDLen)
	case strings.ContainsAny(id, "/\x00"):
		return errors.Newf("tenant id %q contains a reserved character", id)
	}
	return nil
}

// Load reads the tenant record. A tenant never seen returns a zero Meta with
// the id filled in.
func Load(db *pebblestore.DB, id string) (Meta, error) {
	b, err := db.Get(metaKey(id))
	if pebblestore.IsNotFound(err) {
		return Meta{Tenant: id}, nil
	}
	if err != nil {
		return Meta{}, errors.Wrapf(err, "load tenant %s", id)
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return Meta{}, errors.Wrapf(err, "decode tenant %s", id)
	}
	return m, nil
}

// Put stages m into b.
func Put(b *pebble.Batch, m Meta) error {
	bytes, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return b.Set(metaKey(m.Tenant), bytes, nil)
}

// List returns every tenant record.
func List(db *pebblestore.DB) ([]Meta, error) {
	iter, err := db.NewIter(pebblestore.PrefixBounds(metaPrefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []Meta
	for ok := iter.First(); ok; ok = iter.Next() {
		var m Meta
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, errors.Wrapf(err, "decode tenant record %q", iter.Key())
		}
		out = append(out, m)
	}
	return out, iter.Error()
}
