package field

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"unicode/utf8"

	"github.com/buger/jsonparser"
	"github.com/google/uuid"
)

type jsonField struct {
	Name   string `json:"name,omitempty"`
	Type   string `json:"type"`
	Unique bool   `json:"unique,omitempty"`
	Value  any    `json:"value"`
}

// MarshalJSON renders the field for display; it is not the storage encoding.
func (f Field) MarshalJSON() ([]byte, error) {
	out := jsonField{Name: f.name, Type: f.kind.String(), Unique: f.unique, Value: f.value}
	switch f.kind {
	case KindUUID:
		id, _ := f.value.(uuid.UUID)
		out.Value = id.String()
	case KindDouble:
		if d, _ := f.value.(float64); math.IsNaN(d) || math.IsInf(d, 0) {
			out.Value = strconv.FormatFloat(d, 'g', -1, 64)
		}
	case KindList, KindObject:
		out.Value = f.children()
	}
	return json.Marshal(out)
}

// FromJSON infers a field set from a schemaless JSON object. Strings holding
// a canonical UUID become UUID fields, integral numbers become longs, other
// numbers doubles, arrays lists and objects nested objects. Nulls are dropped.
func FromJSON(data []byte, maxDepth int) ([]Field, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &DecodeError{Reason: errors.New("json entity must be an object")}
	}
	members, err := objectFromJSON(trimmed, 1, maxDepth)
	if err != nil {
		return nil, err
	}
	return members, nil
}

// LooksLikeJSON reports whether body is a JSON object rather than a CBOR field set.
func LooksLikeJSON(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func objectFromJSON(data []byte, depth, maxDepth int) ([]Field, error) {
	var members []Field
	err := jsonparser.ObjectEach(data, func(key, value []byte, dt jsonparser.ValueType, _ int) error {
		name, err := jsonparser.ParseString(key)
		if err != nil {
			return err
		}
		if !utf8.ValidString(name) {
			return &DecodeError{Kind: KindObject, Reason: errInvalidUTF8}
		}
		f, ok, err := valueFromJSON(name, value, dt, depth, maxDepth)
		if err != nil {
			return err
		}
		if ok {
			members = append(members, f)
		}
		return nil
	})
	if err != nil {
		return nil, wrapJSONErr(err)
	}
	return members, nil
}

func valueFromJSON(name string, value []byte, dt jsonparser.ValueType, depth, maxDepth int) (Field, bool, error) {
	switch dt {
	case jsonparser.Null:
		return Field{}, false, nil
	case jsonparser.String:
		s, err := jsonparser.ParseString(value)
		if err != nil {
			return Field{}, false, err
		}
		if !utf8.ValidString(s) {
			return Field{}, false, &DecodeError{Kind: KindString, Name: name, Reason: errInvalidUTF8}
		}
		if len(s) == 36 {
			if id, err := uuid.Parse(s); err == nil && id.String() == s {
				return UUID(name, id), true, nil
			}
		}
		return String(name, s), true, nil
	case jsonparser.Boolean:
		b, err := jsonparser.ParseBoolean(value)
		if err != nil {
			return Field{}, false, err
		}
		return Boolean(name, b), true, nil
	case jsonparser.Number:
		if n, err := jsonparser.ParseInt(value); err == nil {
			return Long(name, n), true, nil
		}
		d, err := jsonparser.ParseFloat(value)
		if err != nil {
			return Field{}, false, err
		}
		return Double(name, d), true, nil
	case jsonparser.Object:
		if depth+1 > maxDepth {
			return Field{}, false, &DepthExceededError{Limit: maxDepth}
		}
		members, err := objectFromJSON(value, depth+1, maxDepth)
		if err != nil {
			return Field{}, false, err
		}
		return Object(name, members...), true, nil
	case jsonparser.Array:
		if depth+1 > maxDepth {
			return Field{}, false, &DepthExceededError{Limit: maxDepth}
		}
		var items []Field
		var inner error
		_, err := jsonparser.ArrayEach(value, func(v []byte, vt jsonparser.ValueType, _ int, err error) {
			if inner != nil {
				return
			}
			if err != nil {
				inner = err
				return
			}
			item, ok, err := valueFromJSON("", v, vt, depth+1, maxDepth)
			if err != nil {
				inner = err
				return
			}
			if ok {
				items = append(items, item)
			}
		})
		if err == nil {
			err = inner
		}
		if err != nil {
			return Field{}, false, err
		}
		return List(name, items...), true, nil
	default:
		return Field{}, false, fmt.Errorf("unsupported json value for %q", name)
	}
}

func wrapJSONErr(err error) error {
	var depthErr *DepthExceededError
	if errors.As(err, &depthErr) {
		return depthErr
	}
	var de *DecodeError
	if errors.As(err, &de) {
		return de
	}
	return &DecodeError{Reason: fmt.Errorf("json: %w", err)}
}
