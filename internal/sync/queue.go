package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/questsync/questsync/internal/cache"
	"github.com/questsync/questsync/internal/logger"
)

// OpKind names a queued operation.
type OpKind string

const (
	OpCreateQuest   OpKind = "createQuest"
	OpUpdateQuest   OpKind = "updateQuest"
	OpDeleteQuest   OpKind = "deleteQuest"
	OpCompleteQuest OpKind = "completeQuest"
	OpUpdateConfig  OpKind = "updateConfig"
	OpUpdateDomain  OpKind = "updateDomain"
)

// DefaultMaxAttempts is how many queued attempts an operation gets.
const DefaultMaxAttempts = 4

func (k OpKind) valid() bool {
	switch k {
	case OpCreateQuest, OpUpdateQuest, OpDeleteQuest, OpCompleteQuest, OpUpdateConfig, OpUpdateDomain:
		return true
	}
	return false
}

// Operation is a pending server call. ID is its FIFO position, Seq the
// sequence number of the mutation that produced it.
type Operation struct {
	ID         int64           `json:"id"`
	Seq        uint64          `json:"seq"`
	Kind       OpKind          `json:"kind"`
	QuestID    string          `json:"quest_id,omitempty"`
	TempID     string          `json:"temp_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Retries    int             `json:"retries"`
}

// Target returns the quest id the operation acts on, if any.
func (op Operation) Target() string {
	if op.Kind == OpCreateQuest {
		return op.TempID
	}
	return op.QuestID
}

// domainName returns the domain a domain patch is aimed at.
func (op Operation) domainName() (string, bool) {
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(op.Payload, &p); err != nil || p.Name == "" {
		return "", false
	}
	return p.Name, true
}

// key groups operations that must be applied in order relative to each other.
// A domain patch whose name cannot be read is kept in a group of its own.
func (op Operation) key() string {
	switch op.Kind {
	case OpUpdateConfig:
		return "config"
	case OpUpdateDomain:
		if name, ok := op.domainName(); ok {
			return "domain:" + name
		}
		return fmt.Sprintf("op:%d", op.ID)
	default:
		return "quest:" + op.Target()
	}
}

// Describe returns a short human-readable label.
func (op Operation) Describe() string {
	if t := op.Target(); t != "" {
		return fmt.Sprintf("%s %s", op.Kind, t)
	}
	if op.Kind == OpUpdateDomain {
		if name, ok := op.domainName(); ok {
			return fmt.Sprintf("%s %s", op.Kind, name)
		}
	}
	return string(op.Kind)
}

func (op Operation) row() cache.OperationRow {
	return cache.OperationRow{
		ID:         op.ID,
		Seq:        op.Seq,
		Kind:       string(op.Kind),
		QuestID:    op.QuestID,
		TempID:     op.TempID,
		Payload:    string(op.Payload),
		EnqueuedAt: op.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		Retries:    op.Retries,
	}
}

func operationFromRow(r cache.OperationRow) (Operation, error) {
	op := Operation{
		ID:      r.ID,
		Seq:     r.Seq,
		Kind:    OpKind(r.Kind),
		QuestID: r.QuestID,
		TempID:  r.TempID,
		Retries: r.Retries,
	}
	if !op.Kind.valid() {
		return op, fmt.Errorf("unknown kind %q", r.Kind)
	}
	if r.Payload != "" {
		if !json.Valid([]byte(r.Payload)) {
			return op, fmt.Errorf("payload is not valid JSON")
		}
		op.Payload = json.RawMessage(r.Payload)
	}
	if op.Kind == OpCreateQuest && op.TempID == "" {
		return op, fmt.Errorf("create without temp id")
	}
	if t, err := time.Parse(time.RFC3339Nano, r.EnqueuedAt); err == nil {
		op.EnqueuedAt = t
	}
	return op, nil
}

// Queue is the durable FIFO of operations not yet confirmed by the server.
// It also remembers which temporary ids have been confirmed and as what.
// Queue is not safe for concurrent use; the engine serializes access.
type Queue struct {
	db          *cache.DB
	ops         []Operation
	aliases     map[string]string
	maxAttempts int
	log         *logger.Logger
}

// OpenQueue loads the persisted queue. Rows that cannot be decoded are
// deleted and logged.
func OpenQueue(db *cache.DB, maxAttempts int) (*Queue, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	q := &Queue{db: db, maxAttempts: maxAttempts, log: logger.Named("queue")}

	rows, err := db.ListOperations()
	if err != nil {
		return nil, err
	}
	if q.aliases, err = db.Correlations(); err != nil {
		return nil, err
	}

	var bad []int64
	creates := make(map[string]bool)
	for _, r := range rows {
		op, err := operationFromRow(r)
		if err != nil {
			q.log.Warn("Dropping unreadable queued operation %d: %v", r.ID, err)
			bad = append(bad, r.ID)
			continue
		}
		if op.Kind == OpCreateQuest {
			creates[op.TempID] = true
		} else if IsTempID(op.QuestID) && !creates[op.QuestID] {
			q.log.Warn("Dropping queued %s: its create is gone", op.Describe())
			bad = append(bad, r.ID)
			continue
		}
		q.ops = append(q.ops, op)
	}

	if len(bad) > 0 {
		err := db.WithTx(func(tx *cache.Tx) error {
			for _, id := range bad {
				if err := tx.DeleteOperation(id); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return q, nil
}

// MaxAttempts returns the number of queued attempts an operation gets.
func (q *Queue) MaxAttempts() int {
	return q.maxAttempts
}

// stage writes op inside tx and returns it with its FIFO id. The caller
// must push it once the transaction commits.
func (q *Queue) stage(tx *cache.Tx, op Operation) (Operation, error) {
	op.Retries = 0
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now()
	}
	id, err := tx.InsertOperation(op.row())
	if err != nil {
		return op, err
	}
	op.ID = id
	return op, nil
}

func (q *Queue) push(op Operation) {
	q.ops = append(q.ops, op)
}

// Items returns a copy of the queue in FIFO order.
func (q *Queue) Items() []Operation {
	return append([]Operation(nil), q.ops...)
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	return len(q.ops)
}

// Get returns the queued operation with the given FIFO id.
func (q *Queue) Get(id int64) (Operation, bool) {
	for _, op := range q.ops {
		if op.ID == id {
			return op, true
		}
	}
	return Operation{}, false
}

// Requeue increments the retry counter of an operation, keeping its position.
func (q *Queue) Requeue(id int64) (Operation, error) {
	op, ok := q.Get(id)
	if !ok {
		return Operation{}, fmt.Errorf("no queued operation with id=%d", id)
	}
	op.Retries++
	if err := q.db.WithTx(func(tx *cache.Tx) error { return tx.SetRetries(id, op.Retries) }); err != nil {
		return Operation{}, err
	}
	q.replace(op)
	return op, nil
}

// ShouldRetry reports whether op should stay queued after failing with err.
func (q *Queue) ShouldRetry(op Operation, err error) bool {
	return Classify(err) == KindTransient && op.Retries+1 < q.maxAttempts
}

// ReferencesQuest reports whether any queued operation targets id.
func (q *Queue) ReferencesQuest(id string) bool {
	for _, op := range q.ops {
		if op.Target() == id {
			return true
		}
	}
	return false
}

// PendingDomains returns the names of domains with a queued patch.
func (q *Queue) PendingDomains() map[string]bool {
	out := make(map[string]bool)
	for _, op := range q.ops {
		if op.Kind != OpUpdateDomain {
			continue
		}
		if name, ok := op.domainName(); ok {
			out[name] = true
		}
	}
	return out
}

// Pending summarizes the queue for Reconcile.
func (q *Queue) Pending() Pending {
	p := Pending{Quests: q.ReferencesQuest, Domains: q.PendingDomains()}
	for _, op := range q.ops {
		if op.Kind == OpUpdateConfig {
			p.Config = true
		}
	}
	return p
}

// Resolve maps a confirmed temporary id to its real id.
func (q *Queue) Resolve(id string) string {
	if real, ok := q.aliases[id]; ok {
		return real
	}
	return id
}

func (q *Queue) remap(tempID, realID string) {
	for i := range q.ops {
		if q.ops[i].QuestID == tempID {
			q.ops[i].QuestID = realID
		}
	}
	q.aliases[tempID] = realID
}

func (q *Queue) forget(id int64) {
	for i, op := range q.ops {
		if op.ID == id {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			return
		}
	}
}

func (q *Queue) replace(op Operation) {
	for i := range q.ops {
		if q.ops[i].ID == op.ID {
			q.ops[i] = op
			return
		}
	}
}

// targeting returns queued operations whose target is id.
func (q *Queue) targeting(id string) []Operation {
	var out []Operation
	for _, op := range q.ops {
		if op.Target() == id {
			out = append(out, op)
		}
	}
	return out
}

func (q *Queue) clear() {
	q.ops = nil
	q.aliases = make(map[string]string)
}
