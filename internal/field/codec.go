package field

import (
	"bytes"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

// DefaultMaxDepth bounds list/object nesting when no limit is configured.
const DefaultMaxDepth = 64

// envelope is the wire form of one field: [kind, name, unique, value].
type envelope struct {
	_      struct{} `cbor:",toarray"`
	Kind   Kind
	Name   string
	Unique bool
	Value  cbor.RawMessage
}

// Codec encodes fields to canonical CBOR and back. A Codec is safe for
// concurrent use.
type Codec struct {
	maxDepth int
	enc      cbor.EncMode
	dec      cbor.DecMode
}

// NewCodec returns a codec that rejects nesting deeper than maxDepth. A
// non-positive maxDepth selects DefaultMaxDepth.
func NewCodec(maxDepth int) (*Codec, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("field: enc mode: %w", err)
	}
	// Every field level costs two CBOR levels (envelope + container) and a
	// tagged leaf one more; leave headroom so our own depth check fires first.
	levels := 2*maxDepth + 4
	if levels < 16 {
		levels = 16
	}
	if levels > 65535 {
		levels = 65535
	}
	dec, err := cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		IndefLength:     cbor.IndefLengthForbidden,
		MaxNestedLevels: levels,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("field: dec mode: %w", err)
	}
	return &Codec{maxDepth: maxDepth, enc: enc, dec: dec}, nil
}

var defaultCodec = mustCodec(DefaultMaxDepth)

func mustCodec(maxDepth int) *Codec {
	c, err := NewCodec(maxDepth)
	if err != nil {
		panic(err)
	}
	return c
}

// Default returns the shared codec with DefaultMaxDepth.
func Default() *Codec { return defaultCodec }

func Encode(f Field) ([]byte, error) { return defaultCodec.Encode(f) }

func Decode(data []byte) (Field, error) { return defaultCodec.Decode(data) }

func EncodeAll(fs []Field) ([]byte, error) { return defaultCodec.EncodeAll(fs) }

func DecodeAll(data []byte) ([]Field, error) { return defaultCodec.DecodeAll(data) }

func (c *Codec) MaxDepth() int { return c.maxDepth }

// Encode produces the canonical encoding of f.
func (c *Codec) Encode(f Field) ([]byte, error) {
	return c.encodeField(f, 1, true)
}

// Decode reconstructs a field from its canonical encoding. Input that decodes
// but would not re-encode to the same bytes is rejected.
func (c *Codec) Decode(data []byte) (Field, error) {
	f, err := c.decodeField(data, 1, true)
	if err != nil {
		return Field{}, err
	}
	again, err := c.encodeField(f, 1, true)
	if err != nil {
		return Field{}, &DecodeError{Kind: f.kind, Name: f.name, Reason: err}
	}
	if !bytes.Equal(again, data) {
		return Field{}, &DecodeError{Kind: f.kind, Name: f.name, Reason: ErrNotCanonical}
	}
	return f, nil
}

// DecodeValue reconstructs a field from a discriminator and the raw encoding
// of its value alone.
func (c *Codec) DecodeValue(kind Kind, name string, unique bool, raw []byte) (Field, error) {
	v, err := lookup(kind)
	if err != nil {
		return Field{}, err
	}
	val, err := v.decode(c, raw, 1)
	if err != nil {
		return Field{}, c.decodeErr(kind, name, err)
	}
	return Field{name: name, kind: kind, unique: unique, value: val}, nil
}

// EncodeValue returns the canonical encoding of f's value without its
// envelope. Two fields with equal values have equal value encodings.
func (c *Codec) EncodeValue(f Field) ([]byte, error) {
	v, err := lookup(f.kind)
	if err != nil {
		return nil, &EncodeError{Name: f.name, Reason: err.Error()}
	}
	raw, err := v.encode(c, f, 1)
	if err != nil {
		return nil, c.encodeErr(f, err)
	}
	return raw, nil
}

// EncodeAll encodes an entity's field set. Top-level names must be unique.
func (c *Codec) EncodeAll(fields []Field) ([]byte, error) {
	seen := make(map[string]struct{}, len(fields))
	raws := make([]cbor.RawMessage, 0, len(fields))
	for _, f := range fields {
		if _, dup := seen[f.name]; dup {
			return nil, &EncodeError{Name: f.name, Reason: "duplicate field name"}
		}
		seen[f.name] = struct{}{}
		raw, err := c.encodeField(f, 1, true)
		if err != nil {
			return nil, err
		}
		raws = append(raws, raw)
	}
	return c.enc.Marshal(raws)
}

// DecodeAll decodes an entity's field set produced by EncodeAll.
func (c *Codec) DecodeAll(data []byte) ([]Field, error) {
	var raws []cbor.RawMessage
	if err := c.dec.Unmarshal(data, &raws); err != nil {
		return nil, c.decodeErr(0, "", err)
	}
	fields := make([]Field, 0, len(raws))
	for _, raw := range raws {
		f, err := c.decodeField(raw, 1, true)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	again, err := c.EncodeAll(fields)
	if err != nil {
		return nil, &DecodeError{Reason: err}
	}
	if !bytes.Equal(again, data) {
		return nil, &DecodeError{Reason: ErrNotCanonical}
	}
	return fields, nil
}

func (c *Codec) encodeField(f Field, depth int, requireName bool) (cbor.RawMessage, error) {
	if depth > c.maxDepth {
		return nil, &DepthExceededError{Limit: c.maxDepth}
	}
	if requireName && f.name == "" {
		return nil, &EncodeError{Reason: "name is required"}
	}
	if !utf8.ValidString(f.name) {
		return nil, &EncodeError{Name: f.name, Reason: "name is not valid UTF-8"}
	}
	v, err := lookup(f.kind)
	if err != nil {
		return nil, &EncodeError{Name: f.name, Reason: err.Error()}
	}
	value, err := v.encode(c, f, depth)
	if err != nil {
		return nil, c.encodeErr(f, err)
	}
	return c.enc.Marshal(envelope{Kind: f.kind, Name: f.name, Unique: f.unique, Value: value})
}

func (c *Codec) decodeField(raw []byte, depth int, requireName bool) (Field, error) {
	if depth > c.maxDepth {
		return Field{}, &DepthExceededError{Limit: c.maxDepth}
	}
	var env envelope
	if err := c.dec.Unmarshal(raw, &env); err != nil {
		return Field{}, c.decodeErr(0, "", err)
	}
	v, err := lookup(env.Kind)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			de.Name = env.Name
		}
		return Field{}, err
	}
	if requireName && env.Name == "" {
		return Field{}, &DecodeError{Kind: env.Kind, Reason: errors.New("name is required")}
	}
	val, err := v.decode(c, env.Value, depth)
	if err != nil {
		return Field{}, c.decodeErr(env.Kind, env.Name, err)
	}
	return Field{name: env.Name, kind: env.Kind, unique: env.Unique, value: val}, nil
}

func (c *Codec) decodeErr(kind Kind, name string, err error) error {
	var depthErr *DepthExceededError
	if errors.As(err, &depthErr) {
		return depthErr
	}
	var nested *cbor.MaxNestedLevelError
	if errors.As(err, &nested) {
		return &DepthExceededError{Limit: c.maxDepth}
	}
	var de *DecodeError
	if errors.As(err, &de) {
		return de
	}
	return &DecodeError{Kind: kind, Name: name, Reason: err}
}

func (c *Codec) encodeErr(f Field, err error) error {
	var depthErr *DepthExceededError
	if errors.As(err, &depthErr) {
		return depthErr
	}
	var ee *EncodeError
	if errors.As(err, &ee) {
		return ee
	}
	return &EncodeError{Name: f.name, Reason: err.Error()}
}
