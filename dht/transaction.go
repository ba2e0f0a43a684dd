package dht

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
)

// DefaultQueryTimeout is the default per-query deadline (spec §6).
const DefaultQueryTimeout = 30 * time.Second

// TimerHandle cancels a scheduled task. Cancellation is best-effort: a
// task that has already fired, or is about to, may still run.
type TimerHandle interface {
	Cancel()
}

// Scheduler arms one-shot delayed tasks. It is the pluggable timer
// capability named in spec §9.
type Scheduler interface {
	Schedule(delay time.Duration, task func()) TimerHandle
}

// realScheduler implements Scheduler with time.AfterFunc.
type realScheduler struct{}

type realTimerHandle struct{ t *time.Timer }

func (h realTimerHandle) Cancel() { h.t.Stop() }

// Schedule arms task to run after delay using the runtime timer wheel.
func (realScheduler) Schedule(delay time.Duration, task func()) TimerHandle {
	return realTimerHandle{t: time.AfterFunc(delay, task)}
}

// NewScheduler returns the default Scheduler, backed by time.AfterFunc.
func NewScheduler() Scheduler { return realScheduler{} }

// Outcome is the result that completes an outstanding transaction: exactly
// one of Responded, Errored, TimedOut, OpCancelled, or Failed (spec
// §4.6/§7).
type Outcome interface{ isOutcome() }

// Responded is a successful KRPC response.
type Responded struct{ Msg *Message }

// Errored is a KRPC error reply ("y": "e").
type Errored struct{ Msg *Message }

// TimedOut means the transaction's deadline elapsed with no reply.
type TimedOut struct{}

// OpCancelled means the caller (or the Node) cancelled the transaction.
type OpCancelled struct{}

// Failed means the query could not be sent at all (no channel bound, or
// the channel rejected the send outright).
type Failed struct{ Err error }

func (Responded) isOutcome()   {}
func (Errored) isOutcome()     {}
func (TimedOut) isOutcome()    {}
func (OpCancelled) isOutcome() {}
func (Failed) isOutcome()      {}

// Transaction is bookkeeping for one outstanding outgoing query.
type Transaction struct {
	TID    uint16
	Remote Identifier
	Query  *Message
	Sent   time.Time

	timer      TimerHandle
	completion func(Outcome)
}

// TransactionTable is a fixed 65536-slot ring of outstanding queries keyed
// by transaction id, each with an armed timeout timer (spec §4.6). Spec §5
// models all node state as owned by a single serial execution context, but
// a timeout fires on the scheduler's own goroutine (realScheduler uses
// time.AfterFunc) rather than that context; mu guards the slots and
// counter against that and against concurrent callers issuing queries from
// a Lookup's alpha-wide query batch.
type TransactionTable struct {
	mu        sync.Mutex
	slots     [65536]*Transaction
	counter   uint16
	scheduler Scheduler

	// transactionCompleted, when set, fires after any transaction slot is
	// cleared, whatever the outcome. Node does not set it.
	transactionCompleted func(tid uint16, outcome Outcome)
}

// NewTransactionTable creates an empty table using scheduler for timeout
// timers, with the TID counter seeded from a CSPRNG.
func NewTransactionTable(scheduler Scheduler) *TransactionTable {
	if scheduler == nil {
		scheduler = NewScheduler()
	}
	var seed [2]byte
	rand.Read(seed[:])
	return &TransactionTable{
		counter:   binary.BigEndian.Uint16(seed[:]),
		scheduler: scheduler,
	}
}

// MakeTransactionID returns the next TID, wrapping around on overflow.
func (t *TransactionTable) MakeTransactionID() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counter++
	return t.counter
}

// SetupQuery arms a timeout timer and registers the transaction in its
// slot. It is the caller's responsibility to ensure the slot is empty;
// SetupQuery returns false (and does nothing) if it is not. The timer is
// armed while mu is held: Schedule only ever registers the task for later
// (it never runs it inline), so this cannot deadlock against the timer
// callback's own call into CompleteTransaction.
func (t *TransactionTable) SetupQuery(tid uint16, remote Identifier, query *Message, timeout time.Duration, completion func(Outcome)) bool {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.slots[tid] != nil {
		return false
	}
	tx := &Transaction{
		TID:        tid,
		Remote:     remote,
		Query:      query,
		Sent:       nowFunc(),
		completion: completion,
	}
	tx.timer = t.scheduler.Schedule(timeout, func() {
		t.CompleteTransaction(tid, TimedOut{})
	})
	t.slots[tid] = tx
	return true
}

// Get returns the outstanding transaction for tid, or nil.
func (t *TransactionTable) Get(tid uint16) *Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slots[tid]
}

// CompleteTransaction completes the transaction in slot tid with outcome.
// It is a no-op if the slot is already empty (spec §4.6/§5): the first of
// (response, error, timeout, cancel) to arrive wins, and any subsequent
// completion for the same TID is silently absorbed. The slot is cleared
// under mu, but the completion and transactionCompleted callbacks run
// after mu is released, since a callback may re-enter the table (e.g. to
// set up a follow-up query).
func (t *TransactionTable) CompleteTransaction(tid uint16, outcome Outcome) {
	t.mu.Lock()
	tx := t.slots[tid]
	if tx == nil {
		t.mu.Unlock()
		return
	}
	t.slots[tid] = nil
	t.mu.Unlock()

	if tx.timer != nil {
		tx.timer.Cancel()
	}
	if tx.completion != nil {
		tx.completion(outcome)
	}
	if t.transactionCompleted != nil {
		t.transactionCompleted(tid, outcome)
	}
}

// CancelAll completes every outstanding transaction with OpCancelled. Used
// by Node.Cancel to tear down all in-flight queries.
func (t *TransactionTable) CancelAll() {
	t.mu.Lock()
	var tids []uint16
	for tid, tx := range t.slots {
		if tx != nil {
			tids = append(tids, uint16(tid))
		}
	}
	t.mu.Unlock()

	for _, tid := range tids {
		t.CompleteTransaction(tid, OpCancelled{})
	}
}

// Pending returns the number of outstanding transactions.
func (t *TransactionTable) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, tx := range t.slots {
		if tx != nil {
			n++
		}
	}
	return n
}
