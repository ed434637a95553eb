// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// style serialization for deterministic hashing of calibration artifacts.
//
// Every hash in the engine is computed through Encode; no other
// serialization path may feed a hash.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// NonFiniteValueError reports a NaN or infinite float in a hash input.
// Non-finite values have no JSON representation and must never reach a
// commitment hash.
type NonFiniteValueError struct {
	Value float64
}

func (e *NonFiniteValueError) Error() string {
	return fmt.Sprintf("canonicalize: non-finite value %v cannot be encoded", e.Value)
}

// Encode returns the canonical JSON representation of v.
//
// Rules:
//  1. Map keys sorted byte-wise by UTF-8 (equals code point order), at
//     every nesting depth.
//  2. No insignificant whitespace, no HTML escaping.
//  3. Numbers in shortest round-trip form: no trailing zeroes, no '+'.
//  4. null is retained explicitly; sequence order is preserved.
//  5. NaN and ±Inf return *NonFiniteValueError.
//
// Booleans and integers keep their JSON types; Go performs no implicit
// coercion between them, and the decode/encode round trip preserves
// json.Number text exactly.
func Encode(v interface{}) ([]byte, error) {
	// Marshal to intermediate JSON first so struct tags are respected,
	// then decode with UseNumber and re-marshal with sorted keys and
	// HTML escaping disabled.
	intermediate, err := json.Marshal(v)
	if err != nil {
		var unsupported *json.UnsupportedValueError
		if errors.As(err, &unsupported) && strings.Contains(unsupported.Str, "NaN") {
			return nil, &NonFiniteValueError{Value: math.NaN()}
		}
		if errors.As(err, &unsupported) && strings.Contains(unsupported.Str, "Inf") {
			return nil, &NonFiniteValueError{Value: math.Inf(1)}
		}
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}

	var generic interface{}
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: intermediate decode failed: %w", err)
	}

	return marshalRecursive(generic)
}

// Hash returns the hex SHA-256 digest of the canonical encoding of v.
func Hash(v interface{}) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes as a hex string.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func marshalRecursive(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false) // RFC 8785 requires no HTML escaping

	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return []byte(t.String()), nil
	case float64:
		// Only reachable when a caller hands raw float64s directly;
		// the UseNumber round trip normally converts them.
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, &NonFiniteValueError{Value: t}
		}
		if err := enc.Encode(t); err != nil {
			return nil, err
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	case string:
		if err := enc.Encode(t); err != nil {
			return nil, err
		}
		// json.Encoder appends a newline, trim it
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	case []interface{}:
		buf.Reset()
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalRecursive(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]interface{}:
		buf.Reset()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := marshalRecursive(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')

			vb, err := marshalRecursive(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	}
}
