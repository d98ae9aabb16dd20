package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
)

// Fingerprint hashes a request so that semantically identical payloads
// produce the same digest regardless of object key order or unicode
// composition. Bodies that are not JSON are hashed as raw bytes.
func Fingerprint(method, path, scope string, body []byte) string {
	canonical, err := CanonicalBody(body)
	if err != nil {
		canonical = body
	}
	h := sha256.New()
	for _, part := range [][]byte{[]byte(method), []byte(path), []byte(scope), canonical} {
		// Length prefix keeps ("ab","c") distinct from ("a","bc").
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(part)))
		h.Write(n[:])
		h.Write(part)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalBody re-encodes a JSON document with recursively sorted object
// keys, NFC-normalised strings and numbers preserved as written.
func CanonicalBody(body []byte) ([]byte, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, errors.Wrap(err, "decode body")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after JSON document")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding/json writes map keys in sorted order.
	if err := enc.Encode(normalize(v)); err != nil {
		return nil, errors.Wrap(err, "encode canonical body")
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
