// Package sync keeps a device's quest data usable offline. User actions
// are applied to local state at once, queued durably, and delivered to the
// server in order when it is reachable.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/questsync/questsync/internal/api"
	"github.com/questsync/questsync/internal/cache"
	"github.com/questsync/questsync/internal/logger"
)

// Remote is the subset of the server API the engine uses.
type Remote interface {
	Bootstrap(ctx context.Context, seed api.BootstrapRequest) (*api.Snapshot, error)
	Snapshot(ctx context.Context) (*api.Snapshot, error)
	CreateQuest(ctx context.Context, in api.QuestInput) (*api.Quest, error)
	UpdateQuest(ctx context.Context, id string, patch api.QuestPatch) (*api.Quest, error)
	DeleteQuest(ctx context.Context, id string) error
	CompleteQuest(ctx context.Context, id string) (*api.CompletionResult, error)
	UpdateConfig(ctx context.Context, patch api.ConfigPatch) (*api.Config, error)
	UpdateDomain(ctx context.Context, patch api.DomainPatch) (*api.Domain, error)
	Reset(ctx context.Context) (*api.ResetResult, error)
}

var _ Remote = (*api.Client)(nil)

// Options configures an Engine.
type Options struct {
	// MaxAttempts bounds queued attempts per operation. Zero means DefaultMaxAttempts.
	MaxAttempts int
	// Offline starts the engine offline.
	Offline bool
	// Now overrides the clock.
	Now func() time.Time
	// OnChange is called with a copy of the state after every persisted change.
	OnChange func(State)
	// OnNotice is called for every user-facing notice, outside engine locks.
	OnNotice func(Notice)
}

// DrainResult counts what a drain did.
type DrainResult struct {
	Sent      int
	Requeued  int
	Abandoned int
	Waiting   int
}

// Status is a snapshot of the engine for display.
type Status struct {
	Online       bool
	Draining     bool
	Pending      int
	Operations   []Operation
	LastSyncedAt string
	Notices      []Notice
}

const (
	maxNotices = 20
	// a snapshot taken before a confirmation landed would hide the confirmed quest
	maxRefreshAttempts = 3
)

type outcome int

const (
	outcomeSent outcome = iota
	outcomeKept
	outcomeRequeued
	outcomeAbandoned
	outcomeGone
)

// Engine coordinates the store, the queue and the remote API.
type Engine struct {
	mu       gosync.Mutex
	store    *Store
	queue    *Queue
	remote   Remote
	online   bool
	inflight int64
	gen      uint64
	notices  []Notice
	outbox   []Notice
	onNotice func(Notice)
	now      func() time.Time

	draining   atomic.Bool
	behind     atomic.Bool
	refreshing atomic.Bool

	log *logger.Logger
}

// NewEngine loads persisted state and queue from db.
func NewEngine(db *cache.DB, remote Remote, deviceID string, opts Options) (*Engine, error) {
	store, err := OpenStore(db, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	queue, err := OpenQueue(db, opts.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}

	e := &Engine{
		store:    store,
		queue:    queue,
		remote:   remote,
		online:   !opts.Offline,
		onNotice: opts.OnNotice,
		now:      opts.Now,
		log:      logger.Named("sync"),
	}
	if e.now == nil {
		e.now = time.Now
	}

	if err := e.dropOrphans(); err != nil {
		return nil, err
	}
	store.OnChange(opts.OnChange)
	return e, nil
}

// dropOrphans removes temporary quests whose create is no longer queued.
func (e *Engine) dropOrphans() error {
	var orphans []string
	for _, q := range e.store.state.Quests {
		if q.IsTemp() && !e.queue.ReferencesQuest(q.ID) {
			orphans = append(orphans, q.ID)
		}
	}
	if len(orphans) == 0 {
		return nil
	}
	e.log.Warn("Dropping %d local quests with no pending create", len(orphans))
	return e.store.Update(func(st *State) error {
		for _, id := range orphans {
			st.removeQuest(id)
		}
		return nil
	}, nil)
}

// State returns a copy of the current local state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.State()
}

// Online reports the engine's view of connectivity.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// SetOnline records connectivity and returns the previous value.
func (e *Engine) SetOnline(online bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.online
	e.online = online
	return prev
}

// Status reports connectivity, queue contents and recent notices.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Online:       e.online,
		Draining:     e.draining.Load(),
		Pending:      e.queue.Len(),
		Operations:   e.queue.Items(),
		LastSyncedAt: e.store.state.LastSyncedAt,
		Notices:      append([]Notice(nil), e.notices...),
	}
}

// Resolve maps a temporary id that has been confirmed to its real id.
func (e *Engine) Resolve(id string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Resolve(id)
}

// Quest looks up a quest by real or temporary id.
func (e *Engine) Quest(id string) (LocalQuest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if q, ok := e.store.state.Quest(id); ok {
		return q, true
	}
	return e.store.state.Quest(e.queue.Resolve(id))
}

// CreateQuest adds a quest under a temporary id and queues its creation.
func (e *Engine) CreateQuest(ctx context.Context, in api.QuestInput) (LocalQuest, error) {
	in.Title = canonicalText(in.Title)
	in.DomainName = canonicalText(in.DomainName)
	if in.Title == "" {
		return LocalQuest{}, fmt.Errorf("%w: title is required", ErrInvalidQuest)
	}
	if in.DomainName == "" {
		return LocalQuest{}, fmt.Errorf("%w: domain is required", ErrInvalidQuest)
	}
	if in.XP <= 0 {
		return LocalQuest{}, fmt.Errorf("%w: xp must be positive", ErrInvalidQuest)
	}
	if in.Date == "" {
		in.Date = api.FormatDate(e.now())
	} else {
		date, ok := api.NormalizeDate(in.Date)
		if !ok {
			return LocalQuest{}, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidQuest)
		}
		in.Date = date
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return LocalQuest{}, fmt.Errorf("failed to encode quest: %w", err)
	}
	stamp := e.now().UTC().Format(time.RFC3339)
	tempID := TempPrefix + uuid.NewString()
	quest := api.Quest{
		Title:      in.Title,
		DomainName: in.DomainName,
		XP:         in.XP,
		Date:       in.Date,
		IsDaily:    in.IsDaily,
		Notes:      in.Notes,
		CreatedAt:  stamp,
		UpdatedAt:  stamp,
	}

	err = e.submit(ctx,
		Mutation{Kind: OpCreateQuest, QuestID: tempID, Quest: &quest},
		Operation{Kind: OpCreateQuest, TempID: tempID, Payload: payload},
	)
	if err != nil {
		return LocalQuest{}, err
	}
	q, _ := e.Quest(tempID)
	return q, nil
}

// canonicalText trims s and composes it to NFC. Hangul typed on some
// systems arrives decomposed and would not match server domain names.
func canonicalText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// UpdateQuest patches a quest locally and queues the change.
func (e *Engine) UpdateQuest(ctx context.Context, id string, patch api.QuestPatch) (LocalQuest, error) {
	id = e.Resolve(id)
	if patch.Empty() {
		q, ok := e.Quest(id)
		if !ok {
			return LocalQuest{}, fmt.Errorf("%w: %s", ErrUnknownQuest, id)
		}
		return q, nil
	}
	if patch.Title != nil {
		title := canonicalText(*patch.Title)
		if title == "" {
			return LocalQuest{}, fmt.Errorf("%w: title is required", ErrInvalidQuest)
		}
		patch.Title = &title
	}
	if patch.DomainName != nil {
		name := canonicalText(*patch.DomainName)
		if name == "" {
			return LocalQuest{}, fmt.Errorf("%w: domain is required", ErrInvalidQuest)
		}
		patch.DomainName = &name
	}
	if patch.XP != nil && *patch.XP <= 0 {
		return LocalQuest{}, fmt.Errorf("%w: xp must be positive", ErrInvalidQuest)
	}
	if patch.Date != nil {
		date, ok := api.NormalizeDate(*patch.Date)
		if !ok {
			return LocalQuest{}, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidQuest)
		}
		patch.Date = &date
	}

	payload, err := json.Marshal(patch)
	if err != nil {
		return LocalQuest{}, fmt.Errorf("failed to encode patch: %w", err)
	}
	err = e.submit(ctx,
		Mutation{Kind: OpUpdateQuest, QuestID: id, QuestPatch: &patch},
		Operation{Kind: OpUpdateQuest, QuestID: id, Payload: payload},
	)
	if err != nil {
		return LocalQuest{}, err
	}
	q, _ := e.Quest(id)
	return q, nil
}

// PostponeQuest moves a quest to the day after its current date.
func (e *Engine) PostponeQuest(ctx context.Context, id string) (LocalQuest, error) {
	q, ok := e.Quest(id)
	if !ok {
		return LocalQuest{}, fmt.Errorf("%w: %s", ErrUnknownQuest, id)
	}
	next, err := api.AddDays(q.Date, 1)
	if err != nil {
		return LocalQuest{}, fmt.Errorf("quest %s has an unreadable date %q: %w", q.ID, q.Date, err)
	}
	return e.UpdateQuest(ctx, q.ID, api.QuestPatch{Date: &next})
}

// CompleteQuest marks a quest completed and queues the completion.
// Completing an already completed quest does nothing.
func (e *Engine) CompleteQuest(ctx context.Context, id string) (LocalQuest, error) {
	q, ok := e.Quest(id)
	if !ok {
		return LocalQuest{}, fmt.Errorf("%w: %s", ErrUnknownQuest, id)
	}
	if q.IsCompleted {
		return q, nil
	}
	err := e.submit(ctx,
		Mutation{Kind: OpCompleteQuest, QuestID: q.ID},
		Operation{Kind: OpCompleteQuest, QuestID: q.ID},
	)
	if err != nil {
		return LocalQuest{}, err
	}
	q, _ = e.Quest(q.ID)
	return q, nil
}

// DeleteQuest removes a quest locally and queues the deletion. A quest
// whose create has not been sent yet is dropped together with every
// operation queued for it.
func (e *Engine) DeleteQuest(ctx context.Context, id string) error {
	id = e.Resolve(id)

	e.mu.Lock()
	if _, ok := e.store.state.Quest(id); !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownQuest, id)
	}
	if IsTempID(id) && !e.createInFlightLocked(id) {
		err := e.coalesceLocked(id)
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	return e.submit(ctx,
		Mutation{Kind: OpDeleteQuest, QuestID: id},
		Operation{Kind: OpDeleteQuest, QuestID: id},
	)
}

func (e *Engine) createInFlightLocked(tempID string) bool {
	if e.inflight == 0 {
		return false
	}
	op, ok := e.queue.Get(e.inflight)
	return ok && op.Kind == OpCreateQuest && op.TempID == tempID
}

func (e *Engine) coalesceLocked(tempID string) error {
	ops := e.queue.targeting(tempID)
	err := e.store.Update(func(st *State) error {
		st.removeQuest(tempID)
		return nil
	}, func(tx *cache.Tx) error {
		for _, op := range ops {
			if err := tx.DeleteOperation(op.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, op := range ops {
		e.queue.forget(op.ID)
	}
	e.log.Debug("Dropped unsent quest %s and %d queued operations", tempID, len(ops))
	return nil
}

// UpdateConfig patches device settings locally and queues the change.
func (e *Engine) UpdateConfig(ctx context.Context, patch api.ConfigPatch) (api.Config, error) {
	if patch.Empty() {
		return e.State().Config, nil
	}
	payload, err := json.Marshal(patch)
	if err != nil {
		return api.Config{}, fmt.Errorf("failed to encode config patch: %w", err)
	}
	err = e.submit(ctx,
		Mutation{Kind: OpUpdateConfig, ConfigPatch: &patch},
		Operation{Kind: OpUpdateConfig, Payload: payload},
	)
	if err != nil {
		return api.Config{}, err
	}
	return e.State().Config, nil
}

// UpdateDomain patches a domain's thresholds or rewards locally and queues the change.
func (e *Engine) UpdateDomain(ctx context.Context, patch api.DomainPatch) (api.Domain, error) {
	patch.Name = canonicalText(patch.Name)
	if patch.Name == "" {
		return api.Domain{}, fmt.Errorf("%w: name is required", ErrUnknownDomain)
	}
	payload, err := json.Marshal(patch)
	if err != nil {
		return api.Domain{}, fmt.Errorf("failed to encode domain patch: %w", err)
	}
	err = e.submit(ctx,
		Mutation{Kind: OpUpdateDomain, DomainPatch: &patch},
		Operation{Kind: OpUpdateDomain, Payload: payload},
	)
	if err != nil {
		return api.Domain{}, err
	}
	d, _ := e.State().Domain(patch.Name)
	return d, nil
}

// submit applies m and queues op in one transaction, then tries to send
// op at once when online.
func (e *Engine) submit(ctx context.Context, m Mutation, op Operation) error {
	op.EnqueuedAt = e.now()

	e.mu.Lock()
	var staged Operation
	_, err := e.store.ApplyOptimistic(m, func(tx *cache.Tx, seq uint64) error {
		op.Seq = seq
		var err error
		staged, err = e.queue.stage(tx, op)
		return err
	})
	if err == nil {
		e.queue.push(staged)
	}
	online := e.online
	e.mu.Unlock()

	if err != nil {
		return err
	}
	e.log.Debug("Queued %s (seq %d)", staged.Describe(), staged.Seq)

	if online {
		e.sendNow(ctx, staged)
	}
	e.deliver()
	return nil
}

// sendNow makes the first delivery attempt for a freshly queued operation.
// A transient failure leaves it queued with its retry counter untouched.
// If older operations are waiting, everything is drained in order instead.
// When another send holds the queue, op is left for that sender.
func (e *Engine) sendNow(ctx context.Context, op Operation) {
	if !e.draining.CompareAndSwap(false, true) {
		e.behind.Store(true)
		if !e.draining.CompareAndSwap(false, true) {
			return
		}
	}

	p := newPass()
	e.mu.Lock()
	head := e.queue.Len() > 0 && e.queue.ops[0].ID == op.ID
	e.mu.Unlock()

	if head {
		p.record(op, e.process(ctx, op, false))
	} else {
		e.behind.Store(true)
	}
	e.release(ctx, p)
}

// Drain delivers queued operations in FIFO order. Only one drain runs at
// a time; a concurrent call returns ErrDrainInProgress.
func (e *Engine) Drain(ctx context.Context) (DrainResult, error) {
	if !e.Online() {
		return DrainResult{}, ErrOffline
	}
	if !e.draining.CompareAndSwap(false, true) {
		return DrainResult{}, ErrDrainInProgress
	}
	p := newPass()
	e.drain(ctx, p)
	e.release(ctx, p)
	res := p.res

	e.deliver()
	if res.Sent+res.Requeued+res.Abandoned > 0 {
		e.log.Info("Drain finished: %d sent, %d requeued, %d abandoned, %d waiting",
			res.Sent, res.Requeued, res.Abandoned, res.Waiting)
	}
	return res, ctx.Err()
}

// release gives up the draining flag. Operations queued by senders that
// found the flag held are drained first, in the same pass.
func (e *Engine) release(ctx context.Context, p *pass) {
	for {
		if e.behind.Swap(false) {
			e.drain(ctx, p)
		}
		e.draining.Store(false)
		if !e.behind.Load() || !e.draining.CompareAndSwap(false, true) {
			return
		}
	}
}

// pass tracks one run over the queue. Each operation is attempted at
// most once per pass.
type pass struct {
	attempted map[int64]bool
	failed    map[string]bool
	res       DrainResult
}

func newPass() *pass {
	return &pass{attempted: make(map[int64]bool), failed: make(map[string]bool)}
}

func (p *pass) record(op Operation, o outcome) {
	p.attempted[op.ID] = true
	switch o {
	case outcomeSent:
		p.res.Sent++
	case outcomeRequeued, outcomeKept:
		p.res.Requeued++
		p.failed[op.key()] = true
	case outcomeAbandoned:
		p.res.Abandoned++
	}
}

// drain sends what p has not attempted yet. Operations behind a failed one
// with the same target, or aimed at a quest whose create is unconfirmed,
// wait for the next pass.
func (e *Engine) drain(ctx context.Context, p *pass) {
	for ctx.Err() == nil {
		e.mu.Lock()
		online := e.online
		op, ok := e.nextLocked(p.attempted, p.failed)
		e.mu.Unlock()
		if !online || !ok {
			break
		}
		p.record(op, e.process(ctx, op, true))
	}

	e.mu.Lock()
	p.res.Waiting = e.queue.Len()
	e.mu.Unlock()
}

func (e *Engine) nextLocked(attempted map[int64]bool, failed map[string]bool) (Operation, bool) {
	for _, op := range e.queue.ops {
		if attempted[op.ID] || failed[op.key()] {
			continue
		}
		if op.Kind != OpCreateQuest && IsTempID(op.QuestID) {
			continue
		}
		return op, true
	}
	return Operation{}, false
}

type response struct {
	quest      *api.Quest
	completion *api.CompletionResult
	config     *api.Config
	domain     *api.Domain
}

// process sends one operation and settles the outcome. When counted is
// false a transient failure does not use up an attempt.
func (e *Engine) process(ctx context.Context, op Operation, counted bool) outcome {
	e.mu.Lock()
	e.inflight = op.ID
	e.mu.Unlock()

	resp, err := e.send(ctx, op)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight = 0

	cur, ok := e.queue.Get(op.ID)
	if !ok {
		e.log.Debug("Ignoring response for %s: no longer queued", op.Describe())
		return outcomeGone
	}

	if err == nil {
		if err := e.confirmLocked(cur, resp); err != nil {
			e.log.Error("Failed to record confirmation of %s: %v", cur.Describe(), err)
			return outcomeKept
		}
		return outcomeSent
	}

	if Classify(err) == KindTransient {
		if !counted {
			e.log.Info("Sending %s failed, keeping it queued: %v", cur.Describe(), err)
			return outcomeKept
		}
		if e.queue.ShouldRetry(cur, err) {
			requeued, rerr := e.queue.Requeue(cur.ID)
			if rerr != nil {
				e.log.Error("Failed to requeue %s: %v", cur.Describe(), rerr)
				return outcomeKept
			}
			e.log.Info("Sending %s failed (attempt %d of %d): %v",
				cur.Describe(), requeued.Retries, e.queue.MaxAttempts(), err)
			return outcomeRequeued
		}
	}

	e.abandonLocked(cur, err)
	return outcomeAbandoned
}

func decodePayload(op Operation, v interface{}) error {
	if err := json.Unmarshal(op.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptOperation, op.Describe(), err)
	}
	return nil
}

func (e *Engine) send(ctx context.Context, op Operation) (response, error) {
	var resp response
	var err error

	switch op.Kind {
	case OpCreateQuest:
		var in api.QuestInput
		if err = decodePayload(op, &in); err == nil {
			resp.quest, err = e.remote.CreateQuest(ctx, in)
		}
	case OpUpdateQuest:
		var patch api.QuestPatch
		if err = decodePayload(op, &patch); err == nil {
			resp.quest, err = e.remote.UpdateQuest(ctx, op.QuestID, patch)
		}
	case OpDeleteQuest:
		err = e.remote.DeleteQuest(ctx, op.QuestID)
	case OpCompleteQuest:
		resp.completion, err = e.remote.CompleteQuest(ctx, op.QuestID)
	case OpUpdateConfig:
		var patch api.ConfigPatch
		if err = decodePayload(op, &patch); err == nil {
			resp.config, err = e.remote.UpdateConfig(ctx, patch)
		}
	case OpUpdateDomain:
		var patch api.DomainPatch
		if err = decodePayload(op, &patch); err == nil {
			resp.domain, err = e.remote.UpdateDomain(ctx, patch)
		}
	default:
		err = fmt.Errorf("%w: unknown kind %q", ErrCorruptOperation, op.Kind)
	}
	return resp, err
}

// confirmLocked merges a server response and removes op from the queue
// in one transaction.
func (e *Engine) confirmLocked(op Operation, resp response) error {
	err := e.store.Update(func(st *State) error {
		switch op.Kind {
		case OpCreateQuest:
			st.commitQuest(op.TempID, *resp.quest, op.Seq, false)
		case OpUpdateQuest:
			st.commitQuest(op.QuestID, *resp.quest, op.Seq, false)
		case OpDeleteQuest:
			st.removeQuest(op.QuestID)
		case OpCompleteQuest:
			c := resp.completion
			st.commitQuest(op.QuestID, c.Quest, op.Seq, false)
			for _, d := range c.Domains {
				st.mergeDomain(d, op.Seq)
			}
			if c.NextQuest != nil {
				st.commitQuest(c.NextQuest.ID, *c.NextQuest, 0, true)
			}
		case OpUpdateConfig:
			if st.ConfigSeq <= op.Seq {
				st.Config = *resp.config
			}
		case OpUpdateDomain:
			st.mergeDomain(*resp.domain, op.Seq)
		}
		return nil
	}, func(tx *cache.Tx) error {
		if err := tx.DeleteOperation(op.ID); err != nil {
			return err
		}
		if op.Kind == OpCreateQuest {
			return tx.RemapQuest(op.TempID, resp.quest.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.queue.forget(op.ID)
	e.gen++
	if op.Kind == OpCreateQuest {
		e.queue.remap(op.TempID, resp.quest.ID)
		e.log.Debug("Quest %s confirmed as %s", op.TempID, resp.quest.ID)
	}
	if op.Kind == OpCompleteQuest {
		if n, ok := rewardNotice(resp.completion.LevelUpEvents, e.now()); ok {
			e.noteLocked(n)
		}
	}
	return nil
}

// abandonLocked drops op for good. An abandoned create takes its local
// quest and every operation aimed at it along. Any other quest is left
// for the next refresh to correct once nothing else is queued for it.
func (e *Engine) abandonLocked(op Operation, cause error) {
	drop := []Operation{op}
	if op.Kind == OpCreateQuest {
		for _, dep := range e.queue.targeting(op.TempID) {
			if dep.ID != op.ID {
				drop = append(drop, dep)
			}
		}
	}

	settled := op.Kind != OpCreateQuest && op.QuestID != "" && len(e.queue.targeting(op.QuestID)) == 1
	err := e.store.Update(func(st *State) error {
		if op.Kind == OpCreateQuest {
			st.removeQuest(op.TempID)
		}
		if i := st.questIndex(op.QuestID); settled && i >= 0 {
			st.Quests[i].Optimistic = false
		}
		return nil
	}, func(tx *cache.Tx) error {
		for _, d := range drop {
			if err := tx.DeleteOperation(d.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.log.Error("Failed to abandon %s: %v", op.Describe(), err)
		return
	}
	for _, d := range drop {
		e.queue.forget(d.ID)
	}

	e.log.Warn("Abandoned %s (%s): %v", op.Describe(), Classify(cause), cause)
	e.noteLocked(abandonedNotice(op, cause, e.now()))
}

func (e *Engine) noteLocked(n Notice) {
	e.notices = append(e.notices, n)
	if len(e.notices) > maxNotices {
		e.notices = e.notices[len(e.notices)-maxNotices:]
	}
	e.outbox = append(e.outbox, n)
}

// deliver hands pending notices to the OnNotice callback without holding the lock.
func (e *Engine) deliver() {
	e.mu.Lock()
	out := e.outbox
	e.outbox = nil
	fn := e.onNotice
	e.mu.Unlock()

	if fn == nil {
		return
	}
	for _, n := range out {
		fn(n)
	}
}

// Bootstrap asks the server to create the device's defaults if needed and
// merges the returned snapshot.
func (e *Engine) Bootstrap(ctx context.Context, seed api.BootstrapRequest) error {
	if !e.Online() {
		return ErrOffline
	}
	snap, err := e.remote.Bootstrap(ctx, seed)
	if err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reconcileLocked(*snap)
}

// Refresh fetches a snapshot and reconciles it with local state. A
// refresh already in progress makes this call a no-op.
func (e *Engine) Refresh(ctx context.Context) error {
	if !e.Online() {
		return ErrOffline
	}
	if !e.refreshing.CompareAndSwap(false, true) {
		return nil
	}
	defer e.refreshing.Store(false)

	for attempt := 0; attempt < maxRefreshAttempts; attempt++ {
		e.mu.Lock()
		gen := e.gen
		e.mu.Unlock()

		snap, err := e.remote.Snapshot(ctx)
		if err != nil {
			e.log.Warn("Refresh failed: %v", err)
			return fmt.Errorf("failed to fetch snapshot: %w", err)
		}

		e.mu.Lock()
		if e.gen != gen {
			e.mu.Unlock()
			e.log.Debug("Snapshot went stale while in flight, fetching again")
			continue
		}
		err = e.reconcileLocked(*snap)
		e.mu.Unlock()
		return err
	}
	e.log.Warn("Refresh skipped: %d snapshots in a row went stale", maxRefreshAttempts)
	return ErrStaleSnapshot
}

func (e *Engine) reconcileLocked(snap api.Snapshot) error {
	return e.store.Update(func(st *State) error {
		*st = Reconcile(*st, snap, e.queue.Pending())
		return nil
	}, nil)
}

// Reset wipes the device's data on the server and locally, including
// every queued operation.
func (e *Engine) Reset(ctx context.Context) error {
	if !e.Online() {
		return ErrOffline
	}
	res, err := e.remote.Reset(ctx)
	if err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	err = e.store.Update(func(st *State) error {
		*st = State{
			DeviceID: st.DeviceID,
			Config:   res.Config,
			Domains:  res.Domains,
			NextSeq:  st.NextSeq,
		}
		return nil
	}, func(tx *cache.Tx) error {
		if err := tx.ClearOperations(); err != nil {
			return err
		}
		return tx.ClearCorrelations()
	})
	if err != nil {
		return err
	}
	e.queue.clear()
	e.gen++
	e.log.Info("Device data reset")
	return nil
}
