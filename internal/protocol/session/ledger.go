package session

import (
	"fmt"
	"sync"

	"github.com/danmuck/slowbreak/internal/protocol"
)

// LedgerEntry is one sent message and the sequence number it carried.
type LedgerEntry struct {
	Seq uint64
	Msg protocol.Message
}

// SentLedger stores sent messages contiguously from FirstSeqNum.
// entries[i].Seq == first+i holds at all times.
type SentLedger struct {
	mu      sync.RWMutex
	first   uint64
	entries []LedgerEntry
}

func NewSentLedger(first uint64) *SentLedger {
	if first == 0 {
		first = 1
	}
	return &SentLedger{first: first}
}

func (l *SentLedger) next() uint64 {
	return l.first + uint64(len(l.entries))
}

// Decorate stamps msg with the next sequence number without registering it.
func (l *SentLedger) Decorate(msg protocol.Message) protocol.Message {
	l.mu.RLock()
	seq := l.next()
	l.mu.RUnlock()
	out := msg.Clone()
	out.SetHeader(protocol.TagMsgSeqNum, fmt.Sprint(seq))
	return out
}

// DecorateAndRegister stamps and appends msg in one step.
func (l *SentLedger) DecorateAndRegister(msg protocol.Message) protocol.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq := l.next()
	out := msg.Clone()
	out.SetHeader(protocol.TagMsgSeqNum, fmt.Sprint(seq))
	l.entries = append(l.entries, LedgerEntry{Seq: seq, Msg: out})
	return out
}

func (l *SentLedger) Get(seq uint64) (protocol.Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq < l.first || seq >= l.next() {
		return protocol.Message{}, fmt.Errorf("%w: seq=%d first=%d next=%d", ErrSeqOutOfRange, seq, l.first, l.next())
	}
	return l.entries[seq-l.first].Msg, nil
}

// Drop removes every entry with Seq <= seq and moves FirstSeqNum to seq+1.
// When seq is at or past NextSeqNum the ledger empties and FirstSeqNum
// stops at NextSeqNum instead, so it never passes the next number to send.
func (l *SentLedger) Drop(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq < l.first {
		return
	}
	n := seq - l.first + 1
	if n > uint64(len(l.entries)) {
		n = uint64(len(l.entries))
	}
	rest := make([]LedgerEntry, len(l.entries)-int(n))
	copy(rest, l.entries[n:])
	l.entries = rest
	l.first += n
}

// Reset empties the ledger and restarts numbering at first.
func (l *SentLedger) Reset(first uint64) {
	if first == 0 {
		first = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.first = first
	l.entries = nil
}

func (l *SentLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *SentLedger) NextSeqNum() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.next()
}

func (l *SentLedger) FirstSeqNum() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.first
}

// Snapshot returns a copy of the entries in sequence order.
func (l *SentLedger) Snapshot() []LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]LedgerEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
