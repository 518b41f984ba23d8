package migration

import "sync/atomic"

// Progress counts records visited by the plugins of one job. It is safe for
// concurrent use and a nil *Progress discards updates.
type Progress struct {
	processed atomic.Int64
	migrated  atomic.Int64
	skipped   atomic.Int64
}

type ProgressSnapshot struct {
	Processed int64
	Migrated  int64
	Skipped   int64
}

// Migrated records one record rewritten to the target shape.
func (p *Progress) Migrated() {
	if p == nil {
		return
	}
	p.processed.Add(1)
	p.migrated.Add(1)
}

// Skipped records one record that was already in the target shape.
func (p *Progress) Skipped() {
	if p == nil {
		return
	}
	p.processed.Add(1)
	p.skipped.Add(1)
}

func (p *Progress) Snapshot() ProgressSnapshot {
	if p == nil {
		return ProgressSnapshot{}
	}
	return ProgressSnapshot{
		Processed: p.processed.Load(),
		Migrated:  p.migrated.Load(),
		Skipped:   p.skipped.Load(),
	}
}

func (s ProgressSnapshot) sub(o ProgressSnapshot) ProgressSnapshot {
	return ProgressSnapshot{
		Processed: s.Processed - o.Processed,
		Migrated:  s.Migrated - o.Migrated,
		Skipped:   s.Skipped - o.Skipped,
	}
}
