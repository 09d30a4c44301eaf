package pairing

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"pairfinder/logging"
	"pairfinder/types"
)

// ledger collects terminal states while a session runs. Only the session
// goroutine writes to it.
type ledger struct {
	pairs     []types.PairEntry
	orphansHQ []types.OrphanEntry
	orphansLQ []types.OrphanEntry
	actions   []types.ActionEntry
	warnings  []string
	partial   bool
	logger    *slog.Logger
}

func (l *ledger) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.warnings = append(l.warnings, msg)
	l.logger.Warn(msg)
}

func (l *ledger) orphan(side types.Side, path, reason, detail string) {
	entry := types.OrphanEntry{Path: path, Reason: reason, Detail: detail}
	if side == types.SideHQ {
		l.orphansHQ = append(l.orphansHQ, entry)
	} else {
		l.orphansLQ = append(l.orphansLQ, entry)
	}
	if reason == types.ReasonCancelled {
		l.partial = true
	}
	l.act(types.ActionEntry{Side: side, Path: path, State: types.StateOrphan, Reason: reason, Detail: detail})
}

func (l *ledger) confirm(pair types.PairEntry, detail string) {
	l.pairs = append(l.pairs, pair)
	l.act(types.ActionEntry{Side: types.SideHQ, Path: pair.HQPath, State: types.StateConfirmed, Reason: pair.Reason, Detail: detail})
	l.act(types.ActionEntry{Side: types.SideLQ, Path: pair.LQPath, State: types.StateConfirmed, Reason: pair.Reason, Detail: detail})
}

func (l *ledger) act(a types.ActionEntry) {
	l.actions = append(l.actions, a)
	logging.LogRecordOutcome(l.logger, string(a.Side), a.Path, string(a.State), a.Reason, a.Detail)
}

// manifest sorts the collected entries and verifies that every listed path
// reached exactly one terminal state
func (l *ledger) manifest(id string, createdAt time.Time, cfg Config, hqPaths, lqPaths []string) (types.PairingManifest, error) {
	sort.SliceStable(l.pairs, func(i, j int) bool { return l.pairs[i].HQPath < l.pairs[j].HQPath })
	sortOrphans(l.orphansHQ)
	sortOrphans(l.orphansLQ)
	sort.SliceStable(l.actions, func(i, j int) bool {
		if l.actions[i].Side != l.actions[j].Side {
			return l.actions[i].Side == types.SideHQ
		}
		return l.actions[i].Path < l.actions[j].Path
	})

	m := types.PairingManifest{
		SessionID: id,
		CreatedAt: createdAt.UTC(),
		HQRoot:    cfg.HQRoot,
		LQRoot:    cfg.LQRoot,
		Partial:   l.partial,
		Pairs:     l.pairs,
		OrphansHQ: l.orphansHQ,
		OrphansLQ: l.orphansLQ,
		Actions:   l.actions,
		Warnings:  l.warnings,
	}
	if m.Pairs == nil {
		m.Pairs = []types.PairEntry{}
	}
	if m.OrphansHQ == nil {
		m.OrphansHQ = []types.OrphanEntry{}
	}
	if m.OrphansLQ == nil {
		m.OrphansLQ = []types.OrphanEntry{}
	}

	if err := checkAccounting(m, hqPaths, lqPaths); err != nil {
		return m, err
	}
	return m, nil
}

func sortOrphans(o []types.OrphanEntry) {
	sort.SliceStable(o, func(i, j int) bool { return o[i].Path < o[j].Path })
}

// checkAccounting verifies 2*pairs + orphansHQ + orphansLQ == hq + lq and
// that no path appears in more than one terminal state
func checkAccounting(m types.PairingManifest, hqPaths, lqPaths []string) error {
	got := 2*len(m.Pairs) + len(m.OrphansHQ) + len(m.OrphansLQ)
	want := len(hqPaths) + len(lqPaths)
	if got != want {
		return fmt.Errorf("accounting violation: %d confirmed pairs, %d hq orphans, %d lq orphans for %d hq + %d lq records",
			len(m.Pairs), len(m.OrphansHQ), len(m.OrphansLQ), len(hqPaths), len(lqPaths))
	}

	seen := map[types.Side]map[string]int{
		types.SideHQ: make(map[string]int, len(hqPaths)),
		types.SideLQ: make(map[string]int, len(lqPaths)),
	}
	for _, p := range m.Pairs {
		seen[types.SideHQ][p.HQPath]++
		seen[types.SideLQ][p.LQPath]++
	}
	for _, o := range m.OrphansHQ {
		seen[types.SideHQ][o.Path]++
	}
	for _, o := range m.OrphansLQ {
		seen[types.SideLQ][o.Path]++
	}

	for side, paths := range map[types.Side][]string{types.SideHQ: hqPaths, types.SideLQ: lqPaths} {
		for _, p := range paths {
			if n := seen[side][p]; n != 1 {
				return fmt.Errorf("accounting violation: %s record %s has %d terminal states", side, p, n)
			}
		}
	}
	return nil
}
