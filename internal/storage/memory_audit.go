package storage

import (
	"context"
	"sort"
	"sync"
)

type messageKey struct {
	channelID string
	messageID uint64
}

// MemoryAuditLog keeps audit records in process. It is used by single-node
// deployments without Postgres and by tests.
type MemoryAuditLog struct {
	mu       sync.RWMutex
	seen     map[string]struct{}
	records  []AuditRecord
	messages map[messageKey]int
	// deletions that arrived before their message
	pending map[messageKey]struct{}
}

func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{
		seen:     make(map[string]struct{}),
		messages: make(map[messageKey]int),
		pending:  make(map[messageKey]struct{}),
	}
}

func (l *MemoryAuditLog) Append(_ context.Context, rec AuditRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.seen[rec.EventID]; dup {
		return nil
	}
	l.seen[rec.EventID] = struct{}{}
	key := messageKey{channelID: rec.ChannelID, messageID: rec.MessageID}
	switch rec.Kind {
	case RecordMessage:
		if _, ok := l.pending[key]; ok {
			rec.Deleted = true
			delete(l.pending, key)
		}
		l.messages[key] = len(l.records)
	case RecordMessageDeleted:
		if idx, ok := l.messages[key]; ok {
			l.records[idx].Deleted = true
		} else {
			l.pending[key] = struct{}{}
		}
	}
	l.records = append(l.records, rec)
	return nil
}

// Query returns matching records ordered by channel sequence.
func (l *MemoryAuditLog) Query(_ context.Context, q AuditQuery) ([]AuditRecord, error) {
	l.mu.RLock()
	var out []AuditRecord
	for _, rec := range l.records {
		if q.ChannelID != "" && rec.ChannelID != q.ChannelID {
			continue
		}
		if q.Kind != "" && rec.Kind != q.Kind {
			continue
		}
		if !q.Since.IsZero() && rec.OccurredAt.Before(q.Since) {
			continue
		}
		out = append(out, rec)
	}
	l.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ChannelID != out[j].ChannelID {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].Sequence < out[j].Sequence
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

// Len reports the number of stored records.
func (l *MemoryAuditLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
