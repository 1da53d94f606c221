package pivotview

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/ohler55/ojg/oj"
)

// PathKey identifies a branch by its serialized ancestor group values.
type PathKey string

// RootPath is the key of the empty tuple. Serialized tuples always start
// with '[' so no tuple can collide with it.
const RootPath PathKey = "root"

type undefined struct{}

// Undefined marks a group value that is missing entirely, as opposed to a
// present nil. The two serialize differently.
var Undefined = undefined{}

var objectOptions = &oj.Options{Sort: true, OmitNil: false}

// SerializePath returns the key for the ordered tuple of group values.
// Equal tuples always produce the same key; integral floats and integers
// are treated as the same number.
func SerializePath(keys []any) (PathKey, error) {
	if len(keys) == 0 {
		return RootPath, nil
	}

	var b strings.Builder
	b.WriteByte('[')
	for i := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		if err := encodeValue(&b, keys[i]); err != nil {
			return "", &EncodingError{Value: keys[i], Err: err}
		}
	}
	b.WriteByte(']')

	return PathKey(b.String()), nil
}

func encodeValue(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("n")
	case undefined:
		b.WriteString("u")
	case string:
		b.WriteString("s")
		b.WriteString(strconv.Quote(val))
	case []byte:
		b.WriteString("s")
		b.WriteString(strconv.Quote(string(val)))
	case bool:
		b.WriteString("b")
		b.WriteString(strconv.FormatBool(val))
	case int:
		encodeInt(b, int64(val))
	case int8:
		encodeInt(b, int64(val))
	case int16:
		encodeInt(b, int64(val))
	case int32:
		encodeInt(b, int64(val))
	case int64:
		encodeInt(b, val)
	case uint:
		encodeUint(b, uint64(val))
	case uint8:
		encodeUint(b, uint64(val))
	case uint16:
		encodeUint(b, uint64(val))
	case uint32:
		encodeUint(b, uint64(val))
	case uint64:
		encodeUint(b, val)
	case float32:
		encodeFloat(b, float64(val))
	case float64:
		encodeFloat(b, val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			encodeInt(b, i)
			return nil
		}
		f, err := val.Float64()
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", val.String(), err)
		}
		encodeFloat(b, f)
	case time.Time:
		b.WriteString("t")
		b.WriteString(strconv.Quote(val.UTC().Format(time.RFC3339Nano)))
	default:
		return encodeObject(b, v)
	}

	return nil
}

func encodeInt(b *strings.Builder, v int64) {
	b.WriteString("i")
	b.WriteString(strconv.FormatInt(v, 10))
}

func encodeUint(b *strings.Builder, v uint64) {
	if v <= math.MaxInt64 {
		encodeInt(b, int64(v))
		return
	}
	b.WriteString("i")
	b.WriteString(strconv.FormatUint(v, 10))
}

func encodeFloat(b *strings.Builder, v float64) {
	if v == math.Trunc(v) && !math.IsInf(v, 0) {
		if v >= math.MinInt64 && v < math.MaxInt64 {
			encodeInt(b, int64(v))
			return
		}
		b.WriteString("i")
		b.WriteString(strconv.FormatFloat(v, 'f', 0, 64))
		return
	}
	b.WriteString("f")
	b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
}

// encodeObject writes a length-prefixed, key-sorted JSON encoding so the
// payload can never be confused with the tuple separators around it.
func encodeObject(b *strings.Builder, v any) error {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return fmt.Errorf("unsupported group value type %T", v)
	}

	data, err := oj.Marshal(v, objectOptions)
	if err != nil {
		return fmt.Errorf("failed to encode %T: %w", v, err)
	}

	b.WriteString("o")
	b.WriteString(strconv.Itoa(len(data)))
	b.WriteByte(':')
	b.Write(data)

	return nil
}

// parentPath returns the key of the branch a row with the given group keys
// lives in.
func parentPath(keys []any) (PathKey, error) {
	if len(keys) == 0 {
		return RootPath, nil
	}

	return SerializePath(keys[:len(keys)-1])
}
