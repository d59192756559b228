package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/questsync/questsync/internal/api"
	"github.com/questsync/questsync/internal/cache"
	"github.com/questsync/questsync/internal/logger"
)

// LocalQuest is a quest as held on the device. Optimistic is true while
// the quest reflects a local mutation the server has not confirmed.
// Seq is the sequence number of the last mutation applied to it.
type LocalQuest struct {
	api.Quest
	Optimistic bool   `json:"optimistic"`
	Seq        uint64 `json:"seq,omitempty"`
}

// IsTemp reports whether the quest still carries a client-generated id.
func (q LocalQuest) IsTemp() bool {
	return IsTempID(q.ID)
}

// TempPrefix marks identifiers generated on the device for unconfirmed creates.
const TempPrefix = "tmp-"

// IsTempID reports whether id was generated locally.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}

// State is the device's current best view of its data.
type State struct {
	DeviceID     string            `json:"device_id"`
	Config       api.Config        `json:"config"`
	Domains      []api.Domain      `json:"domains"`
	Quests       []LocalQuest      `json:"quests"`
	NextSeq      uint64            `json:"next_seq"`
	ConfigSeq    uint64            `json:"config_seq,omitempty"`
	DomainSeq    map[string]uint64 `json:"domain_seq,omitempty"`
	LastSyncedAt string            `json:"last_synced_at,omitempty"`
}

// Marshal serializes the state for the durable store.
func (s State) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalState parses a state saved by Marshal.
func UnmarshalState(data []byte) (State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("failed to decode state: %w", err)
	}
	return s, nil
}

// Clone returns a copy that shares no slices or maps with s.
func (s State) Clone() State {
	out := s
	out.Domains = append([]api.Domain(nil), s.Domains...)
	out.Quests = append([]LocalQuest(nil), s.Quests...)
	if s.DomainSeq != nil {
		out.DomainSeq = make(map[string]uint64, len(s.DomainSeq))
		for k, v := range s.DomainSeq {
			out.DomainSeq[k] = v
		}
	}
	return out
}

// Quest returns the quest with the given id.
func (s State) Quest(id string) (LocalQuest, bool) {
	if i := s.questIndex(id); i >= 0 {
		return s.Quests[i], true
	}
	return LocalQuest{}, false
}

// Domain returns the domain with the given name.
func (s State) Domain(name string) (api.Domain, bool) {
	if i := s.domainIndex(name); i >= 0 {
		return s.Domains[i], true
	}
	return api.Domain{}, false
}

// Buckets groups incomplete quests by date relative to today.
func (s State) Buckets(today time.Time) api.Buckets {
	quests := make([]api.Quest, len(s.Quests))
	for i, q := range s.Quests {
		quests[i] = q.Quest
	}
	return api.GroupByDate(quests, today)
}

func (s *State) questIndex(id string) int {
	for i := range s.Quests {
		if s.Quests[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *State) domainIndex(name string) int {
	for i := range s.Domains {
		if s.Domains[i].Name == name {
			return i
		}
	}
	return -1
}

func (s *State) allocSeq() uint64 {
	s.NextSeq++
	return s.NextSeq
}

func (s *State) removeQuest(id string) bool {
	i := s.questIndex(id)
	if i < 0 {
		return false
	}
	s.Quests = append(s.Quests[:i], s.Quests[i+1:]...)
	return true
}

// commitQuest merges a server-confirmed quest. ref is the id the device
// knew the quest by (a temp id for creates). A confirmation older than
// the latest local mutation only contributes the real id. When insert is
// false a quest missing locally stays missing.
func (s *State) commitQuest(ref string, confirmed api.Quest, seq uint64, insert bool) {
	i := s.questIndex(ref)
	if i < 0 && ref != confirmed.ID {
		i = s.questIndex(confirmed.ID)
	}
	if i < 0 {
		if insert {
			s.Quests = append(s.Quests, LocalQuest{Quest: confirmed, Seq: seq})
		}
		return
	}

	local := s.Quests[i]
	if local.Seq > seq {
		local.ID = confirmed.ID
		s.Quests[i] = local
	} else {
		s.Quests[i] = LocalQuest{Quest: confirmed, Seq: local.Seq}
	}

	// a refresh may already have delivered the same quest under its real id
	for j := len(s.Quests) - 1; j >= 0; j-- {
		if j != i && s.Quests[j].ID == confirmed.ID {
			s.Quests = append(s.Quests[:j], s.Quests[j+1:]...)
		}
	}
}

// mergeDomain replaces the local domain of the same name, appending it if
// unknown. Thresholds and rewards patched locally after seq are kept.
func (s *State) mergeDomain(d api.Domain, seq uint64) {
	i := s.domainIndex(d.Name)
	if i < 0 {
		s.Domains = append(s.Domains, d)
		return
	}
	if s.DomainSeq[d.Name] > seq {
		d.LevelThresholds = s.Domains[i].LevelThresholds
		d.LevelupRewards = s.Domains[i].LevelupRewards
	}
	s.Domains[i] = d
}

// Mutation is a user intent applied optimistically to local state.
type Mutation struct {
	Kind        OpKind
	QuestID     string
	Quest       *api.Quest
	QuestPatch  *api.QuestPatch
	ConfigPatch *api.ConfigPatch
	DomainPatch *api.DomainPatch
}

func applyMutation(s *State, m Mutation, seq uint64) error {
	switch m.Kind {
	case OpCreateQuest:
		if m.Quest == nil {
			return fmt.Errorf("%w: create without quest", ErrInvalidQuest)
		}
		q := *m.Quest
		q.ID = m.QuestID
		s.Quests = append(s.Quests, LocalQuest{Quest: q, Optimistic: true, Seq: seq})

	case OpUpdateQuest, OpCompleteQuest:
		i := s.questIndex(m.QuestID)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrUnknownQuest, m.QuestID)
		}
		q := s.Quests[i]
		if m.Kind == OpUpdateQuest && m.QuestPatch != nil {
			q.Quest = m.QuestPatch.Apply(q.Quest)
		}
		if m.Kind == OpCompleteQuest {
			q.IsCompleted = true
		}
		q.Optimistic = true
		q.Seq = seq
		s.Quests[i] = q

	case OpDeleteQuest:
		if !s.removeQuest(m.QuestID) {
			return fmt.Errorf("%w: %s", ErrUnknownQuest, m.QuestID)
		}

	case OpUpdateConfig:
		if m.ConfigPatch != nil {
			s.Config = m.ConfigPatch.Apply(s.Config)
		}
		s.ConfigSeq = seq

	case OpUpdateDomain:
		if m.DomainPatch == nil {
			return fmt.Errorf("%w: missing patch", ErrUnknownDomain)
		}
		i := s.domainIndex(m.DomainPatch.Name)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrUnknownDomain, m.DomainPatch.Name)
		}
		d := s.Domains[i]
		if m.DomainPatch.LevelThresholds != nil {
			d.LevelThresholds = append([]float64(nil), m.DomainPatch.LevelThresholds...)
		}
		if m.DomainPatch.LevelupRewards != nil {
			d.LevelupRewards = append([]api.Reward(nil), m.DomainPatch.LevelupRewards...)
		}
		s.Domains[i] = d
		if s.DomainSeq == nil {
			s.DomainSeq = make(map[string]uint64)
		}
		s.DomainSeq[d.Name] = seq

	default:
		return fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
	return nil
}

// Store holds the in-memory state and persists every change before it
// becomes visible.
type Store struct {
	db       *cache.DB
	state    State
	onChange func(State)
	log      *logger.Logger
}

// OpenStore loads the persisted state. A state that cannot be decoded is
// discarded and replaced by an empty one.
func OpenStore(db *cache.DB, deviceID string) (*Store, error) {
	s := &Store{db: db, log: logger.Named("store")}

	payload, err := db.LoadState()
	switch {
	case errors.Is(err, cache.ErrCorruptState):
		s.log.Warn("Discarding unreadable state: %v", err)
	case err != nil:
		return nil, err
	case payload != nil:
		st, err := UnmarshalState(payload)
		if err != nil {
			s.log.Warn("Discarding unreadable state: %v", err)
		} else {
			s.state = st
		}
	}
	s.state.DeviceID = deviceID
	return s, nil
}

// OnChange registers fn to be called with a copy of the state after every persisted change.
func (s *Store) OnChange(fn func(State)) {
	s.onChange = fn
}

// State returns a copy of the current state.
func (s *Store) State() State {
	return s.state.Clone()
}

// Update applies fn to a copy of the state and persists it together with
// any extra writes in one transaction. Memory changes only if both succeed.
func (s *Store) Update(fn func(st *State) error, extra func(tx *cache.Tx) error) error {
	next := s.state.Clone()
	if err := fn(&next); err != nil {
		return err
	}
	payload, err := next.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	err = s.db.WithTx(func(tx *cache.Tx) error {
		if err := tx.SaveState(payload); err != nil {
			return err
		}
		if extra != nil {
			return extra(tx)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.state = next
	if s.onChange != nil {
		s.onChange(next.Clone())
	}
	return nil
}

// ApplyOptimistic records a user mutation locally and returns its sequence
// number. stage, if set, runs in the same transaction with that number.
func (s *Store) ApplyOptimistic(m Mutation, stage func(tx *cache.Tx, seq uint64) error) (uint64, error) {
	var seq uint64
	var extra func(tx *cache.Tx) error
	if stage != nil {
		extra = func(tx *cache.Tx) error { return stage(tx, seq) }
	}
	err := s.Update(func(st *State) error {
		seq = st.allocSeq()
		return applyMutation(st, m, seq)
	}, extra)
	return seq, err
}
