package filter

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Signature returns the deterministic hash of expr used for checkpoint and
// lineage comparison: two structurally equivalent expressions always yield
// the same signature regardless of how their source JSON/YAML ordered
// object keys, because the signature is computed over a canonical
// re-encoding, not the original bytes.
//
// This is hand-rolled rather than pulled from a canonical-JSON library: the
// only property needed is stable key ordering of a single, small, known Go
// struct, and canonicalize (below) provides it by re-encoding every object
// of the marshalled expression, nested ones included, with its keys sorted.
// A generic canonical-JSON codec would add a dependency for a one-call
// concern already satisfied by composing encoding/json with one sort.
func Signature(expr Expr) (string, error) {
	canonical, err := canonicalize(expr)
	if err != nil {
		return "", fmt.Errorf("canonicalize filter expression: %w", err)
	}

	sum := sha256.Sum256(canonical)

	return hex.EncodeToString(sum[:]), nil
}

// canonicalize re-marshals expr through an intermediate map representation
// with lexicographically sorted keys, so signature computation never
// depends on Go struct field declaration order either.
func canonicalize(expr Expr) ([]byte, error) {
	data, err := json.Marshal(expr)
	if err != nil {
		return nil, fmt.Errorf("marshal expression: %w", err)
	}

	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("unmarshal expression to generic form: %w", err)
	}

	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch value := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(value))
		for k := range value {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		buf.WriteByte('{')

		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}

			keyJSON, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("marshal key %q: %w", k, err)
			}

			buf.Write(keyJSON)
			buf.WriteByte(':')

			if err := encodeCanonical(buf, value[k]); err != nil {
				return err
			}
		}

		buf.WriteByte('}')

		return nil

	case []interface{}:
		buf.WriteByte('[')

		for i, item := range value {
			if i > 0 {
				buf.WriteByte(',')
			}

			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}

		buf.WriteByte(']')

		return nil

	default:
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal scalar: %w", err)
		}

		buf.Write(data)

		return nil
	}
}
