package storage

import (
	"fmt"

	"github.com/cockroachdb/pebble"

	"loom-chat/go-core/internal/securestore"
)

// PebbleBackend persists store rows in a pebble database. Values are sealed
// with the securestore cipher when a passphrase is configured; keys stay in
// the clear (they carry only opaque ids and sort indexes).
type PebbleBackend struct {
	db     *pebble.DB
	cipher *securestore.Cipher
}

// OpenPebble opens (or creates) the database at path. The key-derivation
// salt lives under a meta key in the same database, created on first open.
func OpenPebble(path, passphrase string) (*PebbleBackend, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %q: %w", path, err)
	}
	b := &PebbleBackend{db: db}
	if passphrase != "" {
		salt, closer, err := db.Get([]byte(keySalt))
		switch err {
		case nil:
			saltCopy := append([]byte(nil), salt...)
			_ = closer.Close()
			b.cipher, err = securestore.NewCipher(passphrase, saltCopy)
			if err != nil {
				_ = db.Close()
				return nil, err
			}
		case pebble.ErrNotFound:
			fresh, err := securestore.NewSalt()
			if err != nil {
				_ = db.Close()
				return nil, err
			}
			if err := db.Set([]byte(keySalt), fresh, pebble.Sync); err != nil {
				_ = db.Close()
				return nil, err
			}
			b.cipher, err = securestore.NewCipher(passphrase, fresh)
			if err != nil {
				_ = db.Close()
				return nil, err
			}
		default:
			_ = db.Close()
			return nil, err
		}
	}
	return b, nil
}

func (b *PebbleBackend) Apply(muts []Mutation) error {
	batch := b.db.NewBatch()
	defer batch.Close()
	for _, m := range muts {
		if m.Delete {
			if err := batch.Delete([]byte(m.Key), nil); err != nil {
				return err
			}
			continue
		}
		sealed, err := b.cipher.Seal(m.Value)
		if err != nil {
			return err
		}
		if err := batch.Set([]byte(m.Key), sealed, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (b *PebbleBackend) Iterate(prefix string, fn func(key string, value []byte) error) error {
	iter, err := b.db.NewIter(prefixIterOptions(prefix))
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		if key == keySalt {
			continue
		}
		plain, err := b.cipher.Open(append([]byte(nil), iter.Value()...))
		if err != nil {
			return fmt.Errorf("open value for %q: %w", key, err)
		}
		if err := fn(key, plain); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (b *PebbleBackend) Close() error { return b.db.Close() }

func prefixIterOptions(prefix string) *pebble.IterOptions {
	if prefix == "" {
		return nil
	}
	upper := append([]byte(prefix[:len(prefix)-1]), prefix[len(prefix)-1]+1)
	return &pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upper,
	}
}
