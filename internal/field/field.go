package field

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Kind discriminates the closed set of Field variants.
type Kind uint8

const (
	KindString Kind = iota + 1
	KindLong
	KindBoolean
	KindUUID
	KindDouble
	KindList
	KindObject
	KindLocation
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindLong:
		return "long"
	case KindBoolean:
		return "boolean"
	case KindUUID:
		return "uuid"
	case KindDouble:
		return "double"
	case KindList:
		return "list"
	case KindObject:
		return "object"
	case KindLocation:
		return "location"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind returns the Kind named by s.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if strings.EqualFold(k.String(), strings.TrimSpace(s)) {
			return k, nil
		}
	}
	return 0, &DecodeError{Reason: fmt.Errorf("%w: %q", ErrUnsupportedKind, s)}
}

// Kinds lists every supported Kind in discriminator order.
func Kinds() []Kind {
	return []Kind{KindString, KindLong, KindBoolean, KindUUID, KindDouble, KindList, KindObject, KindLocation}
}

// Location is a latitude/longitude pair in degrees.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (l Location) valid() bool {
	return l.Latitude >= -90 && l.Latitude <= 90 && l.Longitude >= -180 && l.Longitude <= 180
}

// Field is one named, typed value of an entity. Fields are immutable; use the
// constructors to build them.
type Field struct {
	name   string
	kind   Kind
	unique bool
	value  any
}

func String(name, v string) Field { return Field{name: name, kind: KindString, value: v} }

func Long(name string, v int64) Field { return Field{name: name, kind: KindLong, value: v} }

func Boolean(name string, v bool) Field { return Field{name: name, kind: KindBoolean, value: v} }

func UUID(name string, v uuid.UUID) Field { return Field{name: name, kind: KindUUID, value: v} }

func Double(name string, v float64) Field {
	return Field{name: name, kind: KindDouble, value: unsignedZero(v)}
}

// unsignedZero maps -0 to 0 so values that compare equal also encode alike.
func unsignedZero(v float64) float64 {
	if v == 0 {
		return 0
	}
	return v
}

// List builds an ordered, possibly heterogeneous list of fields.
func List(name string, items ...Field) Field {
	cp := make([]Field, len(items))
	copy(cp, items)
	return Field{name: name, kind: KindList, value: cp}
}

// Object builds a nested object keyed by member name. A later member replaces
// an earlier one with the same name.
func Object(name string, members ...Field) Field {
	byName := make(map[string]Field, len(members))
	for _, m := range members {
		byName[m.name] = m
	}
	sorted := make([]Field, 0, len(byName))
	for _, m := range byName {
		sorted = append(sorted, m)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].name < sorted[j].name })
	return Field{name: name, kind: KindObject, value: sorted}
}

// Loc builds a geo location field.
func Loc(name string, latitude, longitude float64) Field {
	return Field{name: name, kind: KindLocation, value: Location{Latitude: unsignedZero(latitude), Longitude: unsignedZero(longitude)}}
}

// AsUnique returns a copy of f flagged unique within its owning collection.
func (f Field) AsUnique() Field {
	f.unique = true
	return f
}

// WithUnique returns a copy of f with the unique flag set to u.
func (f Field) WithUnique(u bool) Field {
	f.unique = u
	return f
}

func (f Field) Name() string { return f.name }
func (f Field) Kind() Kind   { return f.kind }
func (f Field) Unique() bool { return f.unique }
func (f Field) IsZero() bool { return f.kind == 0 }

// Value returns the variant's Go value. Lists return []Field, objects return
// map[string]Field; both are copies.
func (f Field) Value() any {
	switch f.kind {
	case KindList:
		return f.Items()
	case KindObject:
		return f.Members()
	default:
		return f.value
	}
}

func (f Field) StringValue() (string, bool) {
	v, ok := f.value.(string)
	return v, ok && f.kind == KindString
}

func (f Field) LongValue() (int64, bool) {
	v, ok := f.value.(int64)
	return v, ok && f.kind == KindLong
}

func (f Field) BooleanValue() (bool, bool) {
	v, ok := f.value.(bool)
	return v, ok && f.kind == KindBoolean
}

func (f Field) UUIDValue() (uuid.UUID, bool) {
	v, ok := f.value.(uuid.UUID)
	return v, ok && f.kind == KindUUID
}

func (f Field) DoubleValue() (float64, bool) {
	v, ok := f.value.(float64)
	return v, ok && f.kind == KindDouble
}

func (f Field) LocationValue() (Location, bool) {
	v, ok := f.value.(Location)
	return v, ok && f.kind == KindLocation
}

// Items returns the elements of a list field, or nil for other kinds.
func (f Field) Items() []Field {
	if f.kind != KindList {
		return nil
	}
	src, _ := f.value.([]Field)
	cp := make([]Field, len(src))
	copy(cp, src)
	return cp
}

// Members returns the members of an object field keyed by name, or nil for
// other kinds.
func (f Field) Members() map[string]Field {
	if f.kind != KindObject {
		return nil
	}
	src, _ := f.value.([]Field)
	m := make(map[string]Field, len(src))
	for _, member := range src {
		m[member.name] = member
	}
	return m
}

// Member returns the named member of an object field.
func (f Field) Member(name string) (Field, bool) {
	if f.kind != KindObject {
		return Field{}, false
	}
	src, _ := f.value.([]Field)
	i := sort.Search(len(src), func(i int) bool { return src[i].name >= name })
	if i < len(src) && src[i].name == name {
		return src[i], true
	}
	return Field{}, false
}

// children returns list elements or sorted object members without copying.
func (f Field) children() []Field {
	if f.kind != KindList && f.kind != KindObject {
		return nil
	}
	src, _ := f.value.([]Field)
	return src
}

// Equal reports whether f and o have the same name and value. The unique flag
// does not take part in equality.
func (f Field) Equal(o Field) bool {
	if f.name != o.name || f.kind != o.kind {
		return false
	}
	return valueEqual(f, o)
}

func valueEqual(a, b Field) bool {
	switch a.kind {
	case KindDouble:
		x, _ := a.value.(float64)
		y, _ := b.value.(float64)
		return x == y || (math.IsNaN(x) && math.IsNaN(y))
	case KindList, KindObject:
		xs, ys := a.children(), b.children()
		if len(xs) != len(ys) {
			return false
		}
		for i := range xs {
			if !xs[i].Equal(ys[i]) {
				return false
			}
		}
		return true
	default:
		return a.value == b.value
	}
}

func (f Field) String() string {
	switch f.kind {
	case KindList, KindObject:
		parts := make([]string, 0, len(f.children()))
		for _, c := range f.children() {
			parts = append(parts, c.String())
		}
		open, closing := "[", "]"
		if f.kind == KindObject {
			open, closing = "{", "}"
		}
		return fmt.Sprintf("%s:%s%s%s", f.name, open, strings.Join(parts, " "), closing)
	default:
		return fmt.Sprintf("%s:%v", f.name, f.value)
	}
}

// Find returns the top-level field with the given name.
func Find(fields []Field, name string) (Field, bool) {
	for _, f := range fields {
		if f.name == name {
			return f, true
		}
	}
	return Field{}, false
}

// EqualSets reports whether two field sets hold equal fields in the same order.
func EqualSets(a, b []Field) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
