package app

import (
	"sort"

	"challenge-sync-service/internal/channel"
	"challenge-sync-service/internal/domain"
)

// Roster derives the player list from the channel's presence stream. It is
// not safe for concurrent use; the owning session serializes access.
//
// Sync snapshots replace the roster wholesale; merging a sync with stale
// local state is how rosters drift after missed deltas. Join/leave hints and
// PLAYER_ANSWERED broadcasts update it incrementally between syncs.
type Roster struct {
	members map[string]domain.PresenceRecord
}

func newRoster() *Roster {
	return &Roster{members: make(map[string]domain.PresenceRecord)}
}

// Rebuild replaces the entire roster from an authoritative sync.
func (r *Roster) Rebuild(members map[string]domain.PresenceRecord) {
	r.members = make(map[string]domain.PresenceRecord, len(members))
	for id, rec := range members {
		r.members[id] = rec
	}
}

// Apply folds a join/leave delta hint into the roster.
func (r *Roster) Apply(ev channel.PresenceEvent) {
	switch ev.Type {
	case channel.PresenceJoin:
		if ev.Record != nil {
			r.members[ev.MemberID] = *ev.Record
		}
	case channel.PresenceLeave:
		delete(r.members, ev.MemberID)
	}
}

func (r *Roster) Remove(playerID string) {
	delete(r.members, playerID)
}

// MarkAnswered flips has_answered ahead of the next sync confirmation.
func (r *Roster) MarkAnswered(playerID string) {
	if rec, ok := r.members[playerID]; ok {
		rec.HasAnswered = true
		r.members[playerID] = rec
	}
}

func (r *Roster) SetScore(playerID string, score int) {
	if rec, ok := r.members[playerID]; ok {
		rec.Score = score
		r.members[playerID] = rec
	}
}

// ResetAnswered clears every has_answered flag; called the instant a new
// QUESTION broadcast arrives.
func (r *Roster) ResetAnswered() {
	for id, rec := range r.members {
		rec.HasAnswered = false
		r.members[id] = rec
	}
}

// AllAnswered reports whether every currently-present player has answered.
// An empty roster never counts as all-answered.
func (r *Roster) AllAnswered() bool {
	if len(r.members) == 0 {
		return false
	}
	for _, rec := range r.members {
		if !rec.HasAnswered {
			return false
		}
	}
	return true
}

// HostPresent reports whether any member currently claims the host role.
func (r *Roster) HostPresent() bool {
	for _, rec := range r.members {
		if rec.IsHost {
			return true
		}
	}
	return false
}

func (r *Roster) Len() int { return len(r.members) }

func (r *Roster) Get(playerID string) (domain.PresenceRecord, bool) {
	rec, ok := r.members[playerID]
	return rec, ok
}

// Players returns the roster sorted by display name for stable rendering.
func (r *Roster) Players() []domain.PresenceRecord {
	out := make([]domain.PresenceRecord, 0, len(r.members))
	for _, rec := range r.members {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].PlayerID < out[j].PlayerID
	})
	return out
}

// Refs snapshots the present players for authority calls.
func (r *Roster) Refs() []domain.PlayerRef {
	players := r.Players()
	out := make([]domain.PlayerRef, 0, len(players))
	for _, p := range players {
		out = append(out, domain.PlayerRef{ID: p.PlayerID, Name: p.DisplayName})
	}
	return out
}
