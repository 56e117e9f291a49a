// Package canonical provides a deterministic byte encoding for structured
// values. Two semantically equal values -- same keys and values regardless of
// map insertion order -- always encode to identical bytes, which makes the
// output suitable as input to content hashing and chain checksums.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"time"
)

// ErrCyclicValue is returned when the input contains a reference cycle.
var ErrCyclicValue = errors.New("canonical: cyclic value")

// maxDepth bounds recursion for pathological nesting that slips past the
// pointer-visit check (e.g. deeply nested fresh slices).
const maxDepth = 256

// Encode serializes v into a canonical byte sequence. Map keys are sorted
// lexicographically, list element order is preserved, scalars use a stable
// text representation, and nil, typed-nil pointers and missing values all
// encode to the null token. Values that are neither scalars, slices nor
// string-keyed maps are normalized through encoding/json first, so struct
// inputs encode the same as their map equivalents.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	visited := make(map[uintptr]bool)
	if err := encodeValue(&buf, v, visited, 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the hex-encoded SHA-256 of the canonical encoding of v.
func Hash(v any) (string, error) {
	data, err := Encode(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes returns the hex-encoded SHA-256 of raw bytes. Used by callers
// that chain pre-encoded payloads.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func encodeValue(buf *bytes.Buffer, v any, visited map[uintptr]bool, depth int) error {
	if depth > maxDepth {
		return ErrCyclicValue
	}
	if v == nil {
		buf.WriteString("null")
		return nil
	}

	switch val := v.(type) {
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		return writeString(buf, val)
	case json.Number:
		buf.WriteString(val.String())
		return nil
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
		return nil
	case int8:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
		return nil
	case int16:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
		return nil
	case int32:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
		return nil
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
		return nil
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
		return nil
	case uint8:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
		return nil
	case uint16:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
		return nil
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
		return nil
	case uint64:
		buf.WriteString(strconv.FormatUint(val, 10))
		return nil
	case float32:
		buf.WriteString(strconv.FormatFloat(float64(val), 'g', -1, 32))
		return nil
	case float64:
		buf.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
		return nil
	case time.Time:
		return writeString(buf, val.UTC().Format(time.RFC3339Nano))
	case []byte:
		return writeString(buf, hex.EncodeToString(val))
	case []any:
		return encodeList(buf, val, visited, depth)
	case map[string]any:
		return encodeMap(buf, val, visited, depth)
	}

	return encodeReflect(buf, reflect.ValueOf(v), visited, depth)
}

func encodeReflect(buf *bytes.Buffer, rv reflect.Value, visited map[uintptr]bool, depth int) error {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		if rv.Kind() == reflect.Pointer {
			ptr := rv.Pointer()
			if visited[ptr] {
				return ErrCyclicValue
			}
			visited[ptr] = true
			defer delete(visited, ptr)
		}
		return encodeValue(buf, rv.Elem().Interface(), visited, depth+1)

	case reflect.Slice:
		if rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		ptr := rv.Pointer()
		if visited[ptr] {
			return ErrCyclicValue
		}
		visited[ptr] = true
		defer delete(visited, ptr)
		fallthrough
	case reflect.Array:
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return encodeList(buf, items, visited, depth)

	case reflect.Map:
		if rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("canonical: unsupported map key type %s", rv.Type().Key())
		}
		ptr := rv.Pointer()
		if visited[ptr] {
			return ErrCyclicValue
		}
		visited[ptr] = true
		defer delete(visited, ptr)

		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return encodeMap(buf, m, visited, depth)
	}

	// Structs, fmt.Stringer-less custom types and everything else are
	// normalized through JSON so that struct and map inputs with the same
	// logical content canonicalize identically.
	raw, err := json.Marshal(rv.Interface())
	if err != nil {
		return fmt.Errorf("canonical: normalize %T: %w", rv.Interface(), err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var normalized any
	if err := dec.Decode(&normalized); err != nil {
		return fmt.Errorf("canonical: decode normalized form: %w", err)
	}
	return encodeValue(buf, normalized, visited, depth+1)
}

func encodeList(buf *bytes.Buffer, items []any, visited map[uintptr]bool, depth int) error {
	buf.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeValue(buf, item, visited, depth+1); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeMap(buf *bytes.Buffer, m map[string]any, visited map[uintptr]bool, depth int) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encodeValue(buf, m[k], visited, depth+1); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// writeString writes a JSON-quoted string. json.Marshal on a plain string is
// deterministic and locale independent, which is all the codec needs.
func writeString(buf *bytes.Buffer, s string) error {
	quoted, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(quoted)
	return nil
}
