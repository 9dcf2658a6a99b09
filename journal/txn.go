/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Oct 30 15:01:12 2018 mstenber
 * Last modified: Wed Oct 31 12:02:49 2018 mstenber
 * Edit time:     58 min
 *
 */

package journal

import (
	"fmt"

	"github.com/fingon/go-cowfs/fserrors"
	"github.com/fingon/go-cowfs/mlog"
	"github.com/fingon/go-cowfs/util"
	"github.com/pkg/errors"
)

type TxnState int

const (
	TxnActive TxnState = iota
	TxnCommitting
	TxnCommitted
	TxnCheckpointed
	TxnAborted
)

func (self TxnState) String() string {
	switch self {
	case TxnActive:
		return "active"
	case TxnCommitting:
		return "committing"
	case TxnCommitted:
		return "committed"
	case TxnCheckpointed:
		return "checkpointed"
	case TxnAborted:
		return "aborted"
	}
	return fmt.Sprintf("state%d", int(self))
}

// Manager hands out transactions and tracks their state until they
// are checkpointed.
type Manager struct {
	log    *Log
	lock   util.MutexLocked
	nextId uint64
	txns   map[uint64]*Txn

	Commits, Aborts util.AtomicInt
}

func (self Manager) Init(log *Log, nextId uint64) *Manager {
	self.log = log
	if nextId == 0 {
		nextId = 1
	}
	self.nextId = nextId
	self.txns = make(map[uint64]*Txn)
	return &self
}

func (self *Manager) Log() *Log {
	return self.log
}

// NextId is the id the next transaction will get; persisted in the
// superblock so ids are not reused across mounts.
func (self *Manager) NextId() uint64 {
	defer self.lock.Locked()()
	return self.nextId
}

func (self *Manager) Begin() *Txn {
	defer self.lock.Locked()()
	t := &Txn{Id: self.nextId, mgr: self}
	self.nextId++
	self.txns[t.Id] = t
	mlog.Printf2("journal/txn", "Begin %d", t.Id)
	return t
}

// LowWater returns the id of the oldest transaction not yet
// committed or aborted; everything older is safe to checkpoint.
func (self *Manager) LowWater() uint64 {
	defer self.lock.Locked()()
	low := self.nextId
	for id, t := range self.txns {
		if id < low && (t.state == TxnActive || t.state == TxnCommitting) {
			low = id
		}
	}
	return low
}

// IsCommitted is true for transactions whose commit record is
// durable (including already checkpointed ones).
func (self *Manager) IsCommitted(id uint64) bool {
	defer self.lock.Locked()()
	t, ok := self.txns[id]
	if !ok {
		return id < self.nextId
	}
	return t.state == TxnCommitted || t.state == TxnCheckpointed
}

// MarkCheckpointed moves committed transactions to their terminal
// state and forgets them; aborted ones are forgotten too.
func (self *Manager) MarkCheckpointed() int {
	defer self.lock.Locked()()
	count := 0
	for id, t := range self.txns {
		switch t.state {
		case TxnCommitted:
			t.setState(TxnCheckpointed)
			count++
			fallthrough
		case TxnAborted:
			delete(self.txns, id)
		}
	}
	return count
}

// Txn is one transaction; records are buffered in memory until
// Commit, which appends them with the commit record in one go.
type Txn struct {
	Id      uint64
	mgr     *Manager
	state   TxnState
	records []*Record

	// CommitLSN is the LSN of the commit record once committed.
	CommitLSN uint64
}

func (self *Txn) String() string {
	return fmt.Sprintf("txn#%d/%v", self.Id, self.State())
}

func (self *Txn) State() TxnState {
	defer self.mgr.lock.Locked()()
	return self.state
}

// setState must be called with manager lock held
func (self *Txn) setState(state TxnState) {
	mlog.Printf2("journal/txn", "%d: %v -> %v", self.Id, self.state, state)
	self.state = state
}

func (self *Txn) transition(from, to TxnState) error {
	defer self.mgr.lock.Locked()()
	if self.state != from {
		return errors.Wrapf(fserrors.ErrTxnState, "txn %d is %v, not %v", self.Id, self.state, from)
	}
	self.setState(to)
	return nil
}

// Add appends record to the transaction.
func (self *Txn) Add(r *Record) {
	if self.State() != TxnActive {
		mlog.Panicf("Add to %v", self)
	}
	r.Txn = self.Id
	self.records = append(self.records, r)
}

func (self *Txn) Records() []*Record {
	return self.records
}

// Commit makes the transaction durable. If appending fails (journal
// full) the transaction is aborted and nothing was written. If the
// device fails afterwards, the outcome is unknown and the transaction
// stays in Committing.
func (self *Txn) Commit() error {
	if _, err := self.Append(); err != nil {
		return err
	}
	return self.Wait()
}

// Append is the first half of Commit: the records and the commit
// record get their LSNs in the log, in the order Append is called,
// but they are not durable yet. Callers that need their in-memory
// effects ordered like the log hold their own lock across Append.
func (self *Txn) Append() (uint64, error) {
	if err := self.transition(TxnActive, TxnCommitting); err != nil {
		return 0, err
	}
	recs := make([]*Record, 0, len(self.records)+2)
	recs = append(recs, &Record{Kind: RecordBegin, Txn: self.Id})
	recs = append(recs, self.records...)
	recs = append(recs, &Record{Kind: RecordCommit, Txn: self.Id})
	lsn, err := self.mgr.log.Append(recs...)
	if err != nil {
		self.transition(TxnCommitting, TxnAborted)
		self.mgr.Aborts.Add(1)
		return 0, err
	}
	self.CommitLSN = lsn
	return lsn, nil
}

// Wait is the second half of Commit; once it returns nil the
// transaction is durable.
func (self *Txn) Wait() error {
	if st := self.State(); st != TxnCommitting {
		return errors.Wrapf(fserrors.ErrTxnState, "txn %d is %v, not committing", self.Id, st)
	}
	if err := self.mgr.log.Sync(self.CommitLSN); err != nil {
		return err
	}
	self.mgr.Commits.Add(1)
	return self.transition(TxnCommitting, TxnCommitted)
}

// Abort discards the transaction. Nothing has reached the log yet, so
// this has no durable effect.
func (self *Txn) Abort() error {
	if err := self.transition(TxnActive, TxnAborted); err != nil {
		return err
	}
	self.records = nil
	self.mgr.Aborts.Add(1)
	return nil
}
