package sync

import (
	"github.com/questsync/questsync/internal/api"
)

// Pending describes local work the server has not seen yet.
type Pending struct {
	Quests  func(id string) bool
	Domains map[string]bool
	Config  bool
}

// Reconcile merges a server snapshot into local state without losing
// pending local work:
//
//   - server quests that a queued operation targets are ignored
//   - local quests that a queued operation targets are kept
//   - every other quest is taken from the server
//   - config and domains are taken from the server, except where a patch
//     for them is still queued
//
// Applying the same snapshot twice yields the same state.
func Reconcile(local State, snap api.Snapshot, pending Pending) State {
	out := local.Clone()
	queued := pending.Quests
	if queued == nil {
		queued = func(string) bool { return false }
	}

	if !pending.Config {
		out.Config = snap.Config
	}

	domains := make([]api.Domain, 0, len(snap.Domains))
	for _, d := range snap.Domains {
		if pending.Domains[d.Name] {
			if prev, ok := local.Domain(d.Name); ok {
				d.LevelThresholds = prev.LevelThresholds
				d.LevelupRewards = prev.LevelupRewards
			}
		}
		domains = append(domains, d)
	}
	out.Domains = domains

	seen := make(map[string]bool, len(snap.Quests)+len(local.Quests))
	quests := make([]LocalQuest, 0, len(snap.Quests)+len(local.Quests))

	for _, sq := range snap.Quests {
		if queued(sq.ID) || seen[sq.ID] {
			continue
		}
		seen[sq.ID] = true
		lq := LocalQuest{Quest: sq}
		if prev, ok := local.Quest(sq.ID); ok {
			lq.Seq = prev.Seq
		}
		quests = append(quests, lq)
	}

	for _, lq := range local.Quests {
		if seen[lq.ID] || !queued(lq.ID) {
			continue
		}
		seen[lq.ID] = true
		quests = append(quests, lq)
	}
	out.Quests = quests

	if snap.ServerTime != "" {
		out.LastSyncedAt = snap.ServerTime
	}
	return out
}
