package all

import (
	"context"
	"math"

	"migline/internal/field"
	"migline/internal/migration"
	"migline/internal/repo"
)

// GeoLocations turns objects holding exactly a numeric latitude and
// longitude into Location fields, at any nesting depth.
type GeoLocations struct {
	records Records
	opts    Options
}

func (p *GeoLocations) Name() string       { return "promote-geo-locations" }
func (p *GeoLocations) TargetVersion() int { return 3 }

func (p *GeoLocations) Apply(ctx context.Context, scope string, progress *migration.Progress) migration.Outcome {
	return forEach(ctx, p.records, scope, p.opts, progress, func(ctx context.Context, e repo.RawEntity) (bool, error) {
		return replace(ctx, p.records, p.opts.Logger, e, p.rewrite)
	})
}

func (p *GeoLocations) rewrite(body []byte) ([]byte, error) {
	fields, err := p.opts.Codec.DecodeAll(body)
	if err != nil {
		return nil, err
	}
	changed := false
	out := make([]field.Field, len(fields))
	for i, f := range fields {
		var c bool
		out[i], c = promote(f)
		changed = changed || c
	}
	if !changed {
		return nil, nil
	}
	return p.opts.Codec.EncodeAll(out)
}

// promote returns f with every qualifying object replaced, and whether
// anything changed.
func promote(f field.Field) (field.Field, bool) {
	switch f.Kind() {
	case field.KindObject:
		if loc, ok := asLocation(f); ok {
			return loc, true
		}
		members := f.Members()
		changed := false
		next := make([]field.Field, 0, len(members))
		for _, m := range members {
			pm, c := promote(m)
			changed = changed || c
			next = append(next, pm)
		}
		if !changed {
			return f, false
		}
		return field.Object(f.Name(), next...).WithUnique(f.Unique()), true
	case field.KindList:
		items := f.Items()
		changed := false
		for i, item := range items {
			var c bool
			items[i], c = promote(item)
			changed = changed || c
		}
		if !changed {
			return f, false
		}
		return field.List(f.Name(), items...).WithUnique(f.Unique()), true
	default:
		return f, false
	}
}

func asLocation(f field.Field) (field.Field, bool) {
	if len(f.Members()) != 2 {
		return field.Field{}, false
	}
	lat, ok := coordinate(f, "latitude")
	if !ok || lat < -90 || lat > 90 {
		return field.Field{}, false
	}
	lon, ok := coordinate(f, "longitude")
	if !ok || lon < -180 || lon > 180 {
		return field.Field{}, false
	}
	return field.Loc(f.Name(), lat, lon).WithUnique(f.Unique()), true
}

func coordinate(obj field.Field, name string) (float64, bool) {
	m, ok := obj.Member(name)
	if !ok {
		return 0, false
	}
	if v, ok := m.DoubleValue(); ok && !math.IsNaN(v) {
		return v, true
	}
	if v, ok := m.LongValue(); ok {
		return float64(v), true
	}
	return 0, false
}
