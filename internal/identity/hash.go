// Package identity provides the core's deterministic id and content-hash
// primitives: canonical-JSON content hashing (BLAKE3), file hashing, and
// machine identity. Nothing here is PII — machine_id is a one-way hash of
// hostname and username, never the raw values.
package identity

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"os/user"
	"sort"

	"github.com/zeebo/blake3"
)

// HashBytes returns the hex-encoded BLAKE3 digest of b.
func HashBytes(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashString returns the hex-encoded BLAKE3 digest of s.
func HashString(s string) string {
	return HashBytes([]byte(s))
}

// HashFile streams path through BLAKE3 without loading it fully into
// memory, used for source_hash over plugin bundles and _cf_source_hash
// over input files.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CanonicalJSON serializes v as UTF-8 JSON with map keys sorted, giving a
// stable byte sequence suitable for content hashing. v must be built from
// maps/slices/structs that marshal deterministically aside from map key
// order, which this function normalizes by round-tripping through a
// generic representation.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalCanonical(generic)
}

// ContentHash returns the hex BLAKE3 digest over the canonical JSON
// serialization of v — the basis for every content_hash in the data
// model (SchemaContract, LockedSchema, environment lockfiles, etc.).
func ContentHash(v any) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

func marshalCanonical(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := marshalCanonical(t[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []any:
		out := []byte{'['}
		for i, e := range t {
			if i > 0 {
				out = append(out, ',')
			}
			eb, err := marshalCanonical(e)
			if err != nil {
				return nil, err
			}
			out = append(out, eb...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(t)
	}
}

// MachineID derives a stable, non-PII machine identity by hashing the
// hostname and OS username together. The inputs are discarded — only the
// hash is retained by callers.
func MachineID() string {
	host, _ := os.Hostname()
	name := ""
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	return HashString(host + "\x00" + name)
}
