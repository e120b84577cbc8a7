package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// LogEntry is one link of the audit chain. Hash covers the previous hash,
// the timestamp and the payload.
type LogEntry struct {
	Seq          int64  `json:"seq"`
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// Event is a tip lifecycle event.
type Event struct {
	Kind        string `json:"kind"`
	TipID       string `json:"tip_id"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	Amount      string `json:"amount"`
	Reason      string `json:"reason,omitempty"`
}

// ChainLogger appends entries to a hash chain and keeps the most recent ones
// in memory.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
	seq          int64
	retain       int
	recent       []*LogEntry
	now          func() time.Time
}

// NewChainLogger creates a chain rooted at the zero hash that retains up to
// retain entries. retain <= 0 keeps none.
func NewChainLogger(retain int) *ChainLogger {
	return &ChainLogger{
		previousHash: strings.Repeat("0", 64),
		retain:       retain,
		now:          time.Now,
	}
}

// Append adds a raw payload to the chain.
func (c *ChainLogger) Append(payload string) *LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	entry := &LogEntry{
		Seq:          c.seq,
		Timestamp:    c.now().UTC().Format(time.RFC3339Nano),
		PreviousHash: c.previousHash,
		Payload:      payload,
	}
	entry.Hash = hashEntry(entry.PreviousHash, entry.Timestamp, entry.Payload)
	c.previousHash = entry.Hash

	if c.retain > 0 {
		c.recent = append(c.recent, entry)
		if len(c.recent) > c.retain {
			c.recent = append(c.recent[:0:0], c.recent[len(c.recent)-c.retain:]...)
		}
	}
	return entry
}

// Record appends ev encoded as JSON.
func (c *ChainLogger) Record(ev Event) *LogEntry {
	b, err := json.Marshal(ev)
	if err != nil {
		// Event has only string fields.
		b = []byte(fmt.Sprintf(`{"kind":%q}`, ev.Kind))
	}
	return c.Append(string(b))
}

// Recent returns up to n of the newest retained entries, oldest first.
func (c *ChainLogger) Recent(n int) []*LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || n > len(c.recent) {
		n = len(c.recent)
	}
	out := make([]*LogEntry, n)
	copy(out, c.recent[len(c.recent)-n:])
	return out
}

// Head returns the hash of the newest entry.
func (c *ChainLogger) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previousHash
}

func hashEntry(prev, ts, payload string) string {
	sum := sha256.Sum256([]byte(prev + "|" + ts + "|" + payload))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks that entries link to one another and that every hash
// matches its content. The first entry's PreviousHash is trusted.
func VerifyChain(entries []*LogEntry) bool {
	for i, entry := range entries {
		if i > 0 && entry.PreviousHash != entries[i-1].Hash {
			return false
		}
		if hashEntry(entry.PreviousHash, entry.Timestamp, entry.Payload) != entry.Hash {
			return false
		}
	}
	return true
}
