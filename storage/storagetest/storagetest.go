// Package storagetest holds the behaviour suite every storage.Repository
// implementation must pass.
package storagetest

import (
	"bytes"
	"errors"
	"testing"

	"github.com/jmcleod/nobat/storage"
)

func envelope(payload string) *storage.Envelope {
	return &storage.Envelope{
		Ver:        1,
		Scheme:     "aes256gcm",
		Nonce:      []byte("nonce1234567"),
		Ciphertext: []byte(payload),
	}
}

// Run exercises repo. It writes into namespaces prefixed with "suite-".
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()

	t.Run("PutAndGet", func(t *testing.T) {
		ns := "suite-put"
		if err := repo.Put(ns, "auth_session", envelope("v1")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get(ns, "auth_session")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Ver != 1 || got.Scheme != "aes256gcm" || !bytes.Equal(got.Ciphertext, []byte("v1")) {
			t.Errorf("Get returned wrong envelope: %+v", got)
		}

		got.Ciphertext[0] = 'X'
		again, _ := repo.Get(ns, "auth_session")
		if again.Ciphertext[0] == 'X' {
			t.Error("Get should return an independent copy")
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		ns := "suite-overwrite"
		_ = repo.Put(ns, "k", envelope("v1"))
		_ = repo.Put(ns, "k", envelope("v2"))
		got, err := repo.Get(ns, "k")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got.Ciphertext) != "v2" {
			t.Errorf("got %q, want v2", got.Ciphertext)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := repo.Get("suite-never-written", "k")
		if !errors.Is(err, storage.ErrNamespaceNotFound) {
			t.Errorf("expected ErrNamespaceNotFound, got %v", err)
		}
		_ = repo.Put("suite-missing", "present", envelope("x"))
		_, err = repo.Get("suite-missing", "absent")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		ns := "suite-delete"
		_ = repo.Put(ns, "k", envelope("x"))
		if err := repo.Delete(ns, "k"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := repo.Get(ns, "k"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := repo.Delete(ns, "k"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound deleting twice, got %v", err)
		}
	})

	t.Run("ListByPrefix", func(t *testing.T) {
		ns := "suite-list"
		for _, k := range []string{"cache:a", "cache:b", "doctors:1", "auth_user"} {
			_ = repo.Put(ns, k, envelope(k))
		}
		keys, err := repo.List(ns, "cache:")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(keys) != 2 || keys[0] != "cache:a" || keys[1] != "cache:b" {
			t.Errorf("List(cache:) = %v", keys)
		}
		all, _ := repo.List(ns, "")
		if len(all) != 4 {
			t.Errorf("List(\"\") returned %d keys, want 4", len(all))
		}
		none, err := repo.List("suite-never-written", "")
		if err != nil || len(none) != 0 {
			t.Errorf("List on empty namespace = %v, %v", none, err)
		}
	})

	t.Run("NamespacesAreIsolated", func(t *testing.T) {
		_ = repo.Put("suite-ns-a", "k", envelope("a"))
		_ = repo.Put("suite-ns-b", "k", envelope("b"))
		got, _ := repo.Get("suite-ns-a", "k")
		if string(got.Ciphertext) != "a" {
			t.Errorf("namespace a leaked: %q", got.Ciphertext)
		}
	})

	t.Run("BatchCommits", func(t *testing.T) {
		ns := "suite-batch"
		_ = repo.Put(ns, "stale", envelope("old"))
		err := repo.Batch(ns, func(tx storage.BatchTx) error {
			if err := tx.Put("auth_session", envelope("s")); err != nil {
				return err
			}
			if err := tx.Put("auth_user", envelope("u")); err != nil {
				return err
			}
			if err := tx.Delete("stale"); err != nil {
				return err
			}
			return tx.Delete("never-existed")
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}
		keys, _ := repo.List(ns, "")
		if len(keys) != 2 || keys[0] != "auth_session" || keys[1] != "auth_user" {
			t.Errorf("after batch keys = %v", keys)
		}
	})

	t.Run("BatchListSeesOwnWrites", func(t *testing.T) {
		ns := "suite-batch-list"
		_ = repo.Batch(ns, func(tx storage.BatchTx) error {
			_ = tx.Put("cache:x", envelope("x"))
			keys, err := tx.List("cache:")
			if err != nil {
				t.Errorf("tx.List failed: %v", err)
			}
			if len(keys) != 1 {
				t.Errorf("tx.List = %v, want [cache:x]", keys)
			}
			return nil
		})
	})

	t.Run("BatchRollsBack", func(t *testing.T) {
		ns := "suite-rollback"
		_ = repo.Put(ns, "auth_session", envelope("before"))
		boom := errors.New("boom")
		err := repo.Batch(ns, func(tx storage.BatchTx) error {
			_ = tx.Put("auth_session", envelope("after"))
			_ = tx.Put("auth_user", envelope("after"))
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		got, _ := repo.Get(ns, "auth_session")
		if string(got.Ciphertext) != "before" {
			t.Errorf("rollback failed, got %q", got.Ciphertext)
		}
		if _, err := repo.Get(ns, "auth_user"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected auth_user absent after rollback, got %v", err)
		}
	})
}
