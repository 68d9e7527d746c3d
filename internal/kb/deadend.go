package kb

import "encoding/json"

// jsonUnmarshalLenient is json.Unmarshal under a name that documents
// intent at call sites that are expected to tolerate and skip
// malformed records rather than propagate the error.
func jsonUnmarshalLenient(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// DeadEndRecord mirrors a rollback-manager genetic-memory dead-end
// entry into Slot 4, so a process restart between mark_dead_end and
// the next save_versioned_patch attempt doesn't lose it. Keyed
// dead_end/{hash}.
type DeadEndRecord struct {
	Hash            string `json:"hash"`
	Skill           string `json:"skill"`
	Reason          string `json:"reason"`
	TimestampMs     int64  `json:"timestamp_ms"`
	OccurrenceCount int    `json:"occurrence_count"`
}

// PutDeadEnd persists or overwrites the dead-end record for hash.
func (s *Store) PutDeadEnd(rec DeadEndRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, _, err = s.Insert(Chronos, "dead_end/"+rec.Hash, data)
	return err
}

// ListDeadEnds replays every durable dead-end record, used to seed
// the Rollback Manager's in-memory genetic memory on startup before
// its own patches-directory scan runs.
func (s *Store) ListDeadEnds() ([]DeadEndRecord, error) {
	kvs, err := s.ScanPrefix(Chronos, "dead_end/")
	if err != nil {
		return nil, err
	}
	out := make([]DeadEndRecord, 0, len(kvs))
	for _, kv := range kvs {
		var rec DeadEndRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
