package persist

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrDuplicateEvent marks a replayed event row. The unique key
// (programId, slot, txnIndex, eventIndex) rejected the insert; callers in
// the live path treat this as a no-op.
var ErrDuplicateEvent = errors.New("persist: duplicate event")

// EventRecord is one canonical event row. EventData is an opaque
// structured blob; only the key fields are indexed.
type EventRecord struct {
	Signature  string
	Slot       uint64
	BlockTime  *int64
	ProgramID  string
	EventType  string
	TxnIndex   int
	EventIndex int
	EventData  map[string]interface{}
	Logs       []string
}

// TxnIndex resolves the signature's position within its slot via a
// signatures-only block fetch, cached per slot. A failed block fetch
// degrades to index 0: determinism suffers but the record still lands.
func (s *Store) TxnIndex(ctx context.Context, slot uint64, signature string) int {
	if m, ok := s.txnIndex.Get(slot); ok {
		return m[signature]
	}
	sigs, err := s.blocks.GetBlockSignatures(ctx, slot)
	if err != nil {
		s.logger.Warn("block fetch for txn index failed", zap.Uint64("slot", slot), zap.Error(err))
		return 0
	}
	m := make(map[string]int, len(sigs))
	for i, sig := range sigs {
		m[sig] = i
	}
	s.txnIndex.Add(slot, m)
	return m[signature]
}

// AppendEvent strictly inserts one event row; replays return
// ErrDuplicateEvent and write nothing. Never upserts.
func (s *Store) AppendEvent(ctx context.Context, rec *EventRecord) error {
	data, err := json.Marshal(rec.EventData)
	if err != nil {
		return errors.Wrap(err, "marshal event data")
	}
	logs, err := json.Marshal(rec.Logs)
	if err != nil {
		return errors.Wrap(err, "marshal logs")
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO dex_events
			(program_id, slot, txn_index, event_index, signature, block_time, event_type, event_data, logs)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ProgramID, rec.Slot, rec.TxnIndex, rec.EventIndex,
		rec.Signature, rec.BlockTime, rec.EventType, data, logs)
	if isUniqueViolation(err) {
		return ErrDuplicateEvent
	}
	return errors.Wrap(err, "insert event")
}

// RecentEvents returns the newest events for a program ordered by the
// canonical (slot, txn_index, event_index) key, descending.
func (s *Store) RecentEvents(ctx context.Context, programID string, limit int) ([]*EventRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT program_id, slot, txn_index, event_index, signature, block_time, event_type, event_data, logs
		FROM dex_events
		WHERE program_id = $1
		ORDER BY slot DESC, txn_index DESC, event_index DESC
		LIMIT $2`, programID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query events")
	}
	defer rows.Close()

	var out []*EventRecord
	for rows.Next() {
		var rec EventRecord
		var data, logs []byte
		if err := rows.Scan(&rec.ProgramID, &rec.Slot, &rec.TxnIndex, &rec.EventIndex,
			&rec.Signature, &rec.BlockTime, &rec.EventType, &data, &logs); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &rec.EventData)
		}
		if len(logs) > 0 {
			_ = json.Unmarshal(logs, &rec.Logs)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
