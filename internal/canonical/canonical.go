// Package canonical produces deterministic JSON and domain-separated
// SHA-256 digests for content-addressed identity (idempotency keys, input
// hashes, cache keys). The same logical value must hash identically across
// processes and restarts.
package canonical

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// MarshalJSON renders v as canonical JSON: object keys sorted bytewise, no
// HTML escaping, no insignificant whitespace. v is first round-tripped
// through encoding/json, so any marshalable Go value is accepted.
func MarshalJSON(v any) ([]byte, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal input: %w", err)
	}

	dec := json.NewDecoder(strings.NewReader(string(plain)))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonical: reparse input: %w", err)
	}

	var b strings.Builder
	if err := writeCanonical(&b, tree); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case json.Number:
		return writeNumber(b, val)
	case string:
		return writeString(b, val)
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeString(b, k); err != nil {
				return err
			}
			b.WriteByte(':')
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unsupported value %T", v)
	}
	return nil
}

func writeString(b *strings.Builder, s string) error {
	// encoding/json escaping without SetEscapeHTML is stable enough for
	// hashing as long as every writer goes through this function.
	enc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("canonical: marshal string: %w", err)
	}
	b.Write(enc)
	return nil
}

func writeNumber(b *strings.Builder, n json.Number) error {
	// Integers render as-is; floats are normalized through strconv so that
	// 1.0 and 1e0 hash identically.
	if i, err := n.Int64(); err == nil {
		b.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("canonical: bad number %q: %w", n.String(), err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canonical: non-finite number %q", n.String())
	}
	b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}
