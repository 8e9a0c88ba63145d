// Package resumetoken encodes change stream positions as opaque, tamper
// evident tokens bound to a tenant and an incarnation epoch.
//
// Layout before hex encoding:
//
//	version(1) | uvarint tenantLen | tenant | epoch be8 | ts be8 | ord be4 | mac(16)
//
// The MAC is a keyed BLAKE2b-128 over everything before it. A token says
// nothing about whether its incarnation still exists; the cursor compares
// the decoded tenant and epoch against the live incarnation.
package resumetoken

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/rzbill/changeflo/internal/changecoll"
	pebblestore "github.com/rzbill/changeflo/internal/storage/pebble"
	"github.com/rzbill/changeflo/internal/streamerr"
	"github.com/rzbill/changeflo/pkg/optime"
)

const (
	version   = 1
	macSize   = 16
	maxTenant = 128
	// KeySize is the length of generated MAC keys.
	KeySize = 32
)

// Data is the decoded content of a token.
type Data struct {
	Tenant string
	Epoch  uint64
	Ts     optime.Timestamp
	Ord    uint32
}

// Position returns the event position the token refers to.
func (d Data) Position() changecoll.Position {
	return changecoll.Position{Ts: d.Ts, Ord: d.Ord}
}

// FromEvent returns the token data of an emitted event.
func FromEvent(ev changecoll.Event) Data {
	return Data{Tenant: ev.Tenant, Epoch: ev.Epoch, Ts: ev.Ts, Ord: ev.Ord}
}

// Token is the hex form handed to clients.
type Token string

type tokenJSON struct {
	Data string `json:"_data"`
}

// MarshalJSON renders {"_data": "<hex>"}.
func (t Token) MarshalJSON() ([]byte, error) {
	return json.Marshal(tokenJSON{Data: string(t)})
}

// UnmarshalJSON accepts {"_data": "<hex>"} or a bare string.
func (t *Token) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Token(s)
		return nil
	}
	var v tokenJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*t = Token(v.Data)
	return nil
}

// Codec encodes and authenticates tokens with one key.
type Codec struct {
	key []byte
}

// NewCodec returns a codec keyed with key (16 to 64 bytes).
func NewCodec(key []byte) (*Codec, error) {
	if len(key) < 16 || len(key) > blake2b.Size {
		return nil, errors.Newf("resumetoken: key must be 16..%d bytes, got %d", blake2b.Size, len(key))
	}
	return &Codec{key: append([]byte(nil), key...)}, nil
}

func (c *Codec) mac(b []byte) []byte {
	h, err := blake2b.New(macSize, c.key)
	if err != nil {
		// Key length is validated in NewCodec.
		panic(err)
	}
	h.Write(b)
	return h.Sum(nil)
}

// Encode serializes d. Equal data always yields the same token.
func (c *Codec) Encode(d Data) Token {
	b := make([]byte, 0, 1+binary.MaxVarintLen64+len(d.Tenant)+20+macSize)
	b = append(b, version)
	b = binary.AppendUvarint(b, uint64(len(d.Tenant)))
	b = append(b, d.Tenant...)
	b = binary.BigEndian.AppendUint64(b, d.Epoch)
	b = binary.BigEndian.AppendUint64(b, uint64(d.Ts))
	b = binary.BigEndian.AppendUint32(b, d.Ord)
	b = append(b, c.mac(b)...)
	return Token(hex.EncodeToString(b))
}

// Decode parses and authenticates t. Any structural or MAC failure is a
// MalformedToken error.
func (c *Codec) Decode(t Token) (Data, error) {
	raw, err := hex.DecodeString(string(t))
	if err != nil {
		return Data{}, streamerr.MalformedToken("resume token is not hex: %v", err)
	}
	if len(raw) < 1+1+20+macSize {
		return Data{}, streamerr.MalformedToken("resume token too short (%d bytes)", len(raw))
	}
	body, sum := raw[:len(raw)-macSize], raw[len(raw)-macSize:]
	if body[0] != version {
		return Data{}, streamerr.MalformedToken("unsupported resume token version %d", body[0])
	}
	if subtle.ConstantTimeCompare(c.mac(body), sum) != 1 {
		return Data{}, streamerr.MalformedToken("resume token failed authentication")
	}
	rest := body[1:]
	n, k := binary.Uvarint(rest)
	if k <= 0 || n > maxTenant || uint64(len(rest)-k) != n+20 {
		return Data{}, streamerr.MalformedToken("resume token has an invalid tenant length")
	}
	rest = rest[k:]
	d := Data{Tenant: string(rest[:n])}
	rest = rest[n:]
	d.Epoch = binary.BigEndian.Uint64(rest[:8])
	d.Ts = optime.Timestamp(binary.BigEndian.Uint64(rest[8:16]))
	d.Ord = binary.BigEndian.Uint32(rest[16:20])
	return d, nil
}

var keyMACKey = []byte("resumetoken/key")

// LoadOrCreateKey returns the MAC key stored in db, generating one on first
// use so tokens stay valid across restarts.
func LoadOrCreateKey(db *pebblestore.DB) ([]byte, error) {
	b, err := db.Get(keyMACKey)
	if err == nil {
		return b, nil
	}
	if !pebblestore.IsNotFound(err) {
		return nil, errors.Wrap(err, "resumetoken: load key")
	}
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(err, "resumetoken: generate key")
	}
	if err := db.Set(keyMACKey, key); err != nil {
		return nil, errors.Wrap(err, "resumetoken: persist key")
	}
	return key, nil
}
