package migration

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Plugin migrates every record of a scope from TargetVersion()-1 to
// TargetVersion(). Apply must be safe to run again over partially migrated
// data: a record already in the target shape is left untouched.
type Plugin interface {
	Name() string
	TargetVersion() int
	Apply(ctx context.Context, scope string, progress *Progress) Outcome
}

// Func adapts a function to Plugin.
type Func struct {
	PluginName string
	Version    int
	Fn         func(ctx context.Context, scope string, progress *Progress) Outcome
}

func (f Func) Name() string       { return f.PluginName }
func (f Func) TargetVersion() int { return f.Version }

func (f Func) Apply(ctx context.Context, scope string, progress *Progress) Outcome {
	return f.Fn(ctx, scope, progress)
}

// PluginInfo describes a registered plugin.
type PluginInfo struct {
	Name          string
	TargetVersion int
}

type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota + 1
	OutcomeFailed
	OutcomeCancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the result of one Apply call.
type Outcome struct {
	Kind   OutcomeKind
	Reason error
}

func Completed() Outcome { return Outcome{Kind: OutcomeCompleted} }

func Failed(reason error) Outcome {
	if reason == nil {
		reason = errors.New("unspecified failure")
	}
	return Outcome{Kind: OutcomeFailed, Reason: reason}
}

func Cancelled() Outcome { return Outcome{Kind: OutcomeCancelled} }

func (o Outcome) String() string {
	if o.Reason != nil {
		return fmt.Sprintf("%s: %v", o.Kind, o.Reason)
	}
	return o.Kind.String()
}

// sortPlugins validates and orders plugins by target version. Equal versions
// are a configuration error, so the stable sort only matters for error
// reporting order.
func sortPlugins(plugins []Plugin) ([]Plugin, error) {
	sorted := make([]Plugin, 0, len(plugins))
	seen := map[int]string{}
	for i, p := range plugins {
		if p == nil {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("plugin #%d is nil", i)}
		}
		v := p.TargetVersion()
		if v <= 0 {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("plugin %q declares non-positive target version %d", p.Name(), v)}
		}
		if prev, dup := seen[v]; dup {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("plugins %q and %q both declare target version %d", prev, p.Name(), v)}
		}
		seen[v] = p.Name()
		sorted = append(sorted, p)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TargetVersion() < sorted[j].TargetVersion() })
	return sorted, nil
}
