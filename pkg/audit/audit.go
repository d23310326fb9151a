// Package audit keeps a tamper-evident record of every accepted ballot.
//
// Records within a session form a hash chain: each signature covers the
// previous record's signature, so mutating any field of any record breaks
// every subsequent link. The session digest is computed over the sorted set
// of member signatures and is stable across verification runs.
package audit

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrIntegrity reports a failed integrity verification.
var ErrIntegrity = errors.New("audit integrity violation")

// Record is one immutable audit entry for an accepted ballot.
type Record struct {
	ID        string
	SessionID string
	AgentID   string
	// Vote is the serialized ballot exactly as accepted.
	Vote      []byte
	Timestamp time.Time
	// Signature is the hex SHA-256 over the previous record's signature and
	// this record's fields.
	Signature string
}

// Log is an append-only, per-session audit trail. Safe for concurrent use.
type Log struct {
	mu       sync.RWMutex
	sessions map[string][]Record
	entropy  *ulid.MonotonicEntropy
	now      func() time.Time
}

// NewLog returns an empty audit log.
func NewLog() *Log {
	return &Log{
		sessions: make(map[string][]Record),
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		now:      time.Now,
	}
}

// Append records an accepted ballot and returns the stored record.
func (l *Log) Append(sessionID, agentID string, vote []byte) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.now()
	id, err := ulid.New(ulid.Timestamp(ts), l.entropy)
	if err != nil {
		return Record{}, fmt.Errorf("audit record id: %w", err)
	}

	chain := l.sessions[sessionID]
	prev := ""
	if n := len(chain); n > 0 {
		prev = chain[n-1].Signature
	}

	rec := Record{
		ID:        id.String(),
		SessionID: sessionID,
		AgentID:   agentID,
		Vote:      append([]byte(nil), vote...),
		Timestamp: ts,
	}
	rec.Signature = sign(prev, rec)
	l.sessions[sessionID] = append(chain, rec)
	return rec, nil
}

// Records returns a copy of the session's records in append order.
func (l *Log) Records(sessionID string) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	chain := l.sessions[sessionID]
	out := make([]Record, len(chain))
	copy(out, chain)
	return out
}

// SessionDigest returns the hex SHA-256 digest over the lexicographically
// sorted signatures of the session. An unknown session digests to the empty
// chain value, distinguishing "no records" from any populated trail.
func (l *Log) SessionDigest(sessionID string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return digest(l.sessions[sessionID])
}

// VerifySession re-derives every signature in the session chain and the
// session digest. It returns ErrIntegrity identifying the first record whose
// stored signature does not match its recomputed one.
func (l *Log) VerifySession(sessionID string) error {
	l.mu.RLock()
	chain := l.sessions[sessionID]
	l.mu.RUnlock()

	prev := ""
	for i, rec := range chain {
		want := sign(prev, rec)
		if rec.Signature != want {
			return fmt.Errorf("%w: session %s record %d (%s)", ErrIntegrity, sessionID, i, rec.ID)
		}
		prev = rec.Signature
	}
	return nil
}

func sign(prevSig string, rec Record) string {
	h := sha256.New()
	h.Write([]byte(prevSig))
	h.Write([]byte(rec.AgentID))
	h.Write(rec.Vote)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(rec.Timestamp.UnixMilli()))
	h.Write(ts[:])
	return hex.EncodeToString(h.Sum(nil))
}

func digest(chain []Record) string {
	sigs := make([]string, 0, len(chain))
	for _, rec := range chain {
		sigs = append(sigs, rec.Signature)
	}
	sort.Strings(sigs)
	h := sha256.New()
	for _, s := range sigs {
		h.Write([]byte(s))
	}
	return hex.EncodeToString(h.Sum(nil))
}
