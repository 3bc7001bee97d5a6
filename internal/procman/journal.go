package procman

import (
	"encoding/binary"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

var journalBucket = []byte("executions")

// A JournalEntry is the durable record of one execution. Unlike the
// in-memory process table it survives manager restarts, which is what
// the admin history endpoint reads.
type JournalEntry struct {
	Seq        uint64   `json:"seq"`
	PID        int      `json:"pid"`
	Command    string   `json:"command"`
	Args       []string `json:"args"`
	Cwd        string   `json:"cwd"`
	StartedAt  int64    `json:"started_at_ms"`
	ExitCode   *int     `json:"exit_code,omitempty"`
	ExitSignal *string  `json:"exit_signal,omitempty"`
	DurationMS int64    `json:"duration_ms,omitempty"`
}

// Journal persists execution records in a bolt database, one entry
// per spawn keyed by a monotonic sequence number.
type Journal struct {
	db *bolt.DB
	// pid -> sequence key of the entry still awaiting its exit record
	open map[int]uint64
}

func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(journalBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db, open: map[int]uint64{}}, nil
}

func (journal *Journal) RecordStart(status Status) error {
	return journal.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(journalBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		entry := JournalEntry{
			Seq:       seq,
			PID:       status.PID,
			Command:   status.Command,
			Args:      status.Args,
			Cwd:       status.Cwd,
			StartedAt: time.Now().UnixMilli(),
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		journal.open[status.PID] = seq
		return bucket.Put(u64ToB(seq), data)
	})
}

func (journal *Journal) RecordExit(status Status) error {
	return journal.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(journalBucket)
		seq, ok := journal.open[status.PID]
		if !ok {
			return nil
		}
		delete(journal.open, status.PID)
		data := bucket.Get(u64ToB(seq))
		if data == nil {
			return nil
		}
		var entry JournalEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		entry.ExitCode = status.ExitCode
		entry.ExitSignal = status.ExitSignal
		entry.DurationMS = status.DurationMS
		updated, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return bucket.Put(u64ToB(seq), updated)
	})
}

// History returns the most recent entries, newest last, at most limit
// (0 for all).
func (journal *Journal) History(limit int) ([]JournalEntry, error) {
	var entries []JournalEntry
	err := journal.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(journalBucket).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var entry JournalEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

func (journal *Journal) Close() error { return journal.db.Close() }

func u64ToB(value uint64) []byte {
	oct := make([]byte, 8)
	binary.BigEndian.PutUint64(oct, value)
	return oct
}
