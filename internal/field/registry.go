package field

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

const (
	tagUUID     = 37
	tagLocation = 88
)

// variant fixes the value encoding of one Kind.
type variant struct {
	encode func(c *Codec, f Field, depth int) (cbor.RawMessage, error)
	decode func(c *Codec, raw cbor.RawMessage, depth int) (any, error)
}

// registry maps each discriminator to its variant. It is filled in init to
// break the initialization cycle through the recursive list/object codecs.
var registry map[Kind]variant

func init() {
	registry = map[Kind]variant{
		KindString:   {encode: encodeScalar, decode: decodeInto[string]},
		KindLong:     {encode: encodeScalar, decode: decodeInto[int64]},
		KindBoolean:  {encode: encodeScalar, decode: decodeInto[bool]},
		KindDouble:   {encode: encodeScalar, decode: decodeInto[float64]},
		KindUUID:     {encode: encodeUUID, decode: decodeUUID},
		KindLocation: {encode: encodeLocation, decode: decodeLocation},
		KindList:     {encode: encodeChildren, decode: decodeList},
		KindObject:   {encode: encodeChildren, decode: decodeObject},
	}
}

// Supported reports whether k has a registered variant.
func Supported(k Kind) bool {
	_, ok := registry[k]
	return ok
}

func lookup(k Kind) (variant, error) {
	v, ok := registry[k]
	if !ok {
		return variant{}, &DecodeError{Kind: k, Reason: ErrUnsupportedKind}
	}
	return v, nil
}

func encodeScalar(c *Codec, f Field, _ int) (cbor.RawMessage, error) {
	switch v := f.value.(type) {
	case string:
		if !utf8.ValidString(v) {
			return nil, &EncodeError{Name: f.name, Reason: "string value is not valid UTF-8"}
		}
	case float64:
		return c.enc.Marshal(unsignedZero(v))
	}
	return c.enc.Marshal(f.value)
}

func decodeInto[T any](c *Codec, raw cbor.RawMessage, _ int) (any, error) {
	var v T
	if err := c.dec.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func encodeUUID(c *Codec, f Field, _ int) (cbor.RawMessage, error) {
	id, _ := f.value.(uuid.UUID)
	return c.enc.Marshal(cbor.Tag{Number: tagUUID, Content: id[:]})
}

func decodeUUID(c *Codec, raw cbor.RawMessage, _ int) (any, error) {
	var tag cbor.RawTag
	if err := c.dec.Unmarshal(raw, &tag); err != nil {
		return nil, err
	}
	if tag.Number != tagUUID {
		return nil, fmt.Errorf("unexpected tag number for uuid: got %d, want %d", tag.Number, tagUUID)
	}
	var b []byte
	if err := c.dec.Unmarshal(tag.Content, &b); err != nil {
		return nil, err
	}
	if len(b) != 16 {
		return nil, fmt.Errorf("uuid must be exactly 16 bytes, got %d", len(b))
	}
	return uuid.FromBytes(b)
}

func encodeLocation(c *Codec, f Field, _ int) (cbor.RawMessage, error) {
	loc, _ := f.value.(Location)
	if !loc.valid() {
		return nil, &EncodeError{Name: f.name, Reason: fmt.Sprintf("location %v/%v out of range", loc.Latitude, loc.Longitude)}
	}
	return c.enc.Marshal(cbor.Tag{Number: tagLocation, Content: []float64{unsignedZero(loc.Latitude), unsignedZero(loc.Longitude)}})
}

func decodeLocation(c *Codec, raw cbor.RawMessage, _ int) (any, error) {
	var tag cbor.RawTag
	if err := c.dec.Unmarshal(raw, &tag); err != nil {
		return nil, err
	}
	if tag.Number != tagLocation {
		return nil, fmt.Errorf("unexpected tag number for location: got %d, want %d", tag.Number, tagLocation)
	}
	var coords []float64
	if err := c.dec.Unmarshal(tag.Content, &coords); err != nil {
		return nil, err
	}
	if len(coords) != 2 {
		return nil, fmt.Errorf("location must hold 2 coordinates, got %d", len(coords))
	}
	loc := Location{Latitude: coords[0], Longitude: coords[1]}
	if !loc.valid() {
		return nil, errors.New("location out of range")
	}
	return loc, nil
}

func encodeChildren(c *Codec, f Field, depth int) (cbor.RawMessage, error) {
	children := f.children()
	raws := make([]cbor.RawMessage, 0, len(children))
	for _, child := range children {
		raw, err := c.encodeField(child, depth+1, f.kind == KindObject)
		if err != nil {
			return nil, err
		}
		raws = append(raws, raw)
	}
	return c.enc.Marshal(raws)
}

func decodeList(c *Codec, raw cbor.RawMessage, depth int) (any, error) {
	var raws []cbor.RawMessage
	if err := c.dec.Unmarshal(raw, &raws); err != nil {
		return nil, err
	}
	items := make([]Field, 0, len(raws))
	for _, r := range raws {
		item, err := c.decodeField(r, depth+1, false)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func decodeObject(c *Codec, raw cbor.RawMessage, depth int) (any, error) {
	var raws []cbor.RawMessage
	if err := c.dec.Unmarshal(raw, &raws); err != nil {
		return nil, err
	}
	members := make([]Field, 0, len(raws))
	for i, r := range raws {
		member, err := c.decodeField(r, depth+1, true)
		if err != nil {
			return nil, err
		}
		if i > 0 && members[i-1].name >= member.name {
			return nil, fmt.Errorf("object member %q out of order or duplicated", member.name)
		}
		members = append(members, member)
	}
	return members, nil
}
