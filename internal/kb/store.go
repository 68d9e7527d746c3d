package kb

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/sovereign/pagi/internal/vault"
)

// dataBucket is the single bucket each slot's BoltDB file uses. Nine
// independent files already give per-slot isolation; a second layer
// of buckets within a slot would buy nothing the key prefixing scheme
// (event/, failure/, relation/{owner}/, oikos/tasks/{id}, ...) doesn't
// already provide.
const dataBucket = "data"

// Store is the nine-slot typed knowledge store. One *bolt.DB backs
// each slot; Slot 9 additionally routes every value through the
// configured Vault.
type Store struct {
	dbs   map[Slot]*bolt.DB
	vault *vault.Vault
	log   *zap.Logger
}

// Open opens (creating if absent) the nine per-slot BoltDB files under
// dir, and binds v as the Shadow-slot cipher. v may be vault.Locked()
// if no key is configured yet; Shadow operations then fail with
// ErrVaultLocked until the process is restarted with a key.
func Open(dir string, v *vault.Vault, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("kb: mkdir %q: %w", dir, err)
	}

	dbs := make(map[Slot]*bolt.DB, len(allSlots))
	for _, slot := range allSlots {
		path := filepath.Join(dir, slot.fileName()+".db")
		bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
		if err != nil {
			closeAll(dbs)
			return nil, fmt.Errorf("kb: bolt.Open(%q): %w", path, err)
		}
		if err := bdb.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists([]byte(dataBucket))
			return err
		}); err != nil {
			_ = bdb.Close()
			closeAll(dbs)
			return nil, fmt.Errorf("kb: init bucket for slot %s: %w", slot, err)
		}
		dbs[slot] = bdb
	}

	s := &Store{dbs: dbs, vault: v, log: log}
	s.log.Info("knowledge store opened", zap.String("dir", dir), zap.Bool("vault_unlocked", v.IsUnlocked()))
	return s, nil
}

func closeAll(dbs map[Slot]*bolt.DB) {
	for _, d := range dbs {
		_ = d.Close()
	}
}

// Close closes all nine slot files. Close always attempts every slot
// and returns the first error encountered, if any.
func (s *Store) Close() error {
	var firstErr error
	for slot, d := range s.dbs {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("kb: close slot %s: %w", slot, err)
		}
	}
	return firstErr
}

func (s *Store) db(slot Slot) (*bolt.DB, error) {
	if !slot.Valid() {
		return nil, ErrInvalidSlot
	}
	d, ok := s.dbs[slot]
	if !ok {
		return nil, ErrInvalidSlot
	}
	return d, nil
}

// Get returns the raw bytes stored at key in slot. Slot 9 values are
// transparently decrypted; returns ErrVaultLocked if the vault has no
// key. ok is false if the key is absent — callers never see a
// distinction between "absent" and "empty value" via an error.
func (s *Store) Get(slot Slot, key string) (value []byte, ok bool, err error) {
	d, err := s.db(slot)
	if err != nil {
		return nil, false, err
	}
	if slot == Shadow && !s.vault.IsUnlocked() {
		return nil, false, ErrVaultLocked
	}
	var raw []byte
	err = d.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(dataBucket)).Get([]byte(key))
		if v == nil {
			return nil
		}
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, &StoreError{Slot: slot, Op: "get", Err: err}
	}
	if raw == nil {
		return nil, false, nil
	}
	if slot == Shadow {
		plain, derr := s.vault.Decrypt(raw)
		if derr != nil {
			return nil, false, derr
		}
		s.logWrite("read", slot, key, len(raw))
		return plain, true, nil
	}
	s.logWrite("read", slot, key, len(raw))
	return raw, true, nil
}

// Insert writes value at key in slot, returning the previous value if
// one existed. Slot 9 values are transparently encrypted before
// persistence; returns ErrVaultLocked if the vault has no key.
func (s *Store) Insert(slot Slot, key string, value []byte) (prev []byte, hadPrev bool, err error) {
	d, err := s.db(slot)
	if err != nil {
		return nil, false, err
	}
	toWrite := value
	if slot == Shadow {
		ct, eerr := s.vault.Encrypt(value)
		if eerr != nil {
			return nil, false, eerr
		}
		toWrite = ct
	}
	err = d.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dataBucket))
		if old := b.Get([]byte(key)); old != nil {
			prev = append([]byte(nil), old...)
			hadPrev = true
		}
		return b.Put([]byte(key), toWrite)
	})
	if err != nil {
		return nil, false, &StoreError{Slot: slot, Op: "insert", Err: err}
	}
	s.logWrite("write", slot, key, len(toWrite))
	if hadPrev && slot == Shadow {
		if plain, derr := s.vault.Decrypt(prev); derr == nil {
			prev = plain
		}
	}
	return prev, hadPrev, nil
}

// Remove deletes key from slot, returning the previous value if one
// existed.
func (s *Store) Remove(slot Slot, key string) (prev []byte, hadPrev bool, err error) {
	d, err := s.db(slot)
	if err != nil {
		return nil, false, err
	}
	err = d.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dataBucket))
		if old := b.Get([]byte(key)); old != nil {
			prev = append([]byte(nil), old...)
			hadPrev = true
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return nil, false, &StoreError{Slot: slot, Op: "remove", Err: err}
	}
	if hadPrev && slot == Shadow && s.vault.IsUnlocked() {
		if plain, derr := s.vault.Decrypt(prev); derr == nil {
			prev = plain
		}
	}
	return prev, hadPrev, nil
}

// ScanKeys returns every key in slot, in bbolt cursor order (no
// ordering guarantee across slots or over time).
func (s *Store) ScanKeys(slot Slot) ([]string, error) {
	d, err := s.db(slot)
	if err != nil {
		return nil, err
	}
	var keys []string
	err = d.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(dataBucket)).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, &StoreError{Slot: slot, Op: "scan_keys", Err: err}
	}
	return keys, nil
}

// KV is a single scanned key/value pair.
type KV struct {
	Key   string
	Value []byte
}

// ScanKV returns every key/value pair in slot. Shadow values are
// decrypted if the vault is unlocked; if locked, ScanKV fails fast
// with ErrVaultLocked rather than returning a mix of decrypted and
// raw bytes.
func (s *Store) ScanKV(slot Slot) ([]KV, error) {
	d, err := s.db(slot)
	if err != nil {
		return nil, err
	}
	if slot == Shadow && !s.vault.IsUnlocked() {
		return nil, ErrVaultLocked
	}
	var out []KV
	err = d.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(dataBucket)).ForEach(func(k, v []byte) error {
			value := append([]byte(nil), v...)
			if slot == Shadow {
				plain, derr := s.vault.Decrypt(value)
				if derr != nil {
					return derr
				}
				value = plain
			}
			out = append(out, KV{Key: string(k), Value: value})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ScanPrefix returns every key/value pair in slot whose key has the
// given prefix.
func (s *Store) ScanPrefix(slot Slot, prefix string) ([]KV, error) {
	all, err := s.ScanKV(slot)
	if err != nil {
		return nil, err
	}
	var out []KV
	for _, kv := range all {
		if len(kv.Key) >= len(prefix) && kv.Key[:len(prefix)] == prefix {
			out = append(out, kv)
		}
	}
	return out, nil
}

// Count returns the number of keys stored in slot.
func (s *Store) Count(slot Slot) (int, error) {
	d, err := s.db(slot)
	if err != nil {
		return 0, err
	}
	n := 0
	err = d.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(dataBucket)).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, &StoreError{Slot: slot, Op: "count", Err: err}
	}
	return n, nil
}

// VaultUnlocked reports whether Shadow-slot operations are currently
// available.
func (s *Store) VaultUnlocked() bool {
	return s.vault.IsUnlocked()
}

func (s *Store) logWrite(op string, slot Slot, key string, n int) {
	s.log.Debug("kb access",
		zap.String("op", op),
		zap.String("slot", slot.String()),
		zap.String("key", key),
		zap.Int("bytes", n),
	)
}

// randSuffix returns a random 64-bit suffix hex-encoded, used to keep
// append-only keys (event/, failure/, inbox/) collision-free.
func randSuffix() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func timestampKeySuffix() string {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(nowMs()))
	return hex.EncodeToString(ts[:]) + "_" + randSuffix()
}
