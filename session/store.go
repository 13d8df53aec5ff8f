package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/jmcleod/nobat/apperr"
	"github.com/jmcleod/nobat/internal/util"
	"github.com/jmcleod/nobat/storage"
)

const (
	sessionKey    = "auth_session"
	userMirrorKey = "auth_user"
)

// DefaultCachePrefixes are the application cache key prefixes removed on logout.
var DefaultCachePrefixes = []string{"cache:", "appointments:", "doctors:"}

// Change is delivered to store listeners after every mutation. Cleared is
// the explicit "no session" marker; it is distinct from a store that has not
// been loaded yet.
type Change struct {
	Session *Session
	Cleared bool
}

// Listener receives store changes synchronously. Listeners must not mutate
// the store from inside the callback.
type Listener func(Change)

// Store is the single source of truth for the persisted session. All records
// live in one storage namespace and are sealed at rest.
type Store struct {
	repo      storage.Repository
	sealer    *storage.Sealer
	namespace string
	prefixes  []string
	logger    *slog.Logger

	mu       sync.Mutex // guards persisted state
	notifyMu sync.Mutex // serializes mutation + broadcast pairs

	subMu     sync.RWMutex
	listeners map[uint64]Listener
	order     []uint64
	nextID    uint64
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithCachePrefixes replaces the cache key prefixes removed on Clear.
func WithCachePrefixes(prefixes ...string) StoreOption {
	return func(s *Store) {
		s.prefixes = append([]string(nil), prefixes...)
	}
}

// WithStoreLogger sets the logger used for discarded records.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a store over namespace in repo.
func NewStore(repo storage.Repository, sealer *storage.Sealer, namespace string, opts ...StoreOption) *Store {
	s := &Store{
		repo:      repo,
		sealer:    sealer,
		namespace: namespace,
		prefixes:  append([]string(nil), DefaultCachePrefixes...),
		listeners: make(map[uint64]Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	s.logger = s.logger.With("component", "session_store", "namespace", namespace)
	return s
}

// Namespace returns the storage namespace the store writes to.
func (s *Store) Namespace() string {
	return s.namespace
}

// Subscribe registers l and returns a function that removes it. Listeners are
// called in registration order.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.order = append(s.order, id)
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			delete(s.listeners, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (s *Store) broadcast(c Change) {
	s.subMu.RLock()
	ls := make([]Listener, 0, len(s.order))
	for _, id := range s.order {
		ls = append(ls, s.listeners[id])
	}
	s.subMu.RUnlock()

	for _, l := range ls {
		l(c)
	}
}

// Load returns the persisted session, or nil when there is none. A record
// that cannot be opened or parsed is discarded and reported as an integrity
// error alongside a nil session.
func (s *Store) Load() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*Session, error) {
	data, err := s.read(sessionKey)
	if isMissing(err) {
		return nil, nil
	}
	if err != nil {
		var openErr *openError
		if errors.As(err, &openErr) {
			return nil, s.discardLocked(err)
		}
		return nil, fmt.Errorf("reading session: %w", err)
	}
	defer util.WipeBytes(data)

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, s.discardLocked(fmt.Errorf("parsing session: %w", err))
	}
	if sess.Token == "" {
		return nil, s.discardLocked(errors.New("session record has no token"))
	}

	if sess.User.IsZero() {
		if mirror, err := s.read(userMirrorKey); err == nil {
			var u User
			if err := json.Unmarshal(mirror, &u); err == nil {
				sess.User = u
			} else {
				s.logger.Warn("ignoring unreadable user mirror", slog.String("error", err.Error()))
			}
		} else if !isMissing(err) {
			s.logger.Warn("ignoring unreadable user mirror", slog.String("error", err.Error()))
		}
	}
	return &sess, nil
}

// discardLocked removes both session records after an integrity failure.
func (s *Store) discardLocked(cause error) error {
	s.logger.Warn("discarding corrupt session record", slog.String("error", cause.Error()))
	err := s.repo.Batch(s.namespace, func(tx storage.BatchTx) error {
		if err := tx.Delete(sessionKey); err != nil {
			return err
		}
		return tx.Delete(userMirrorKey)
	})
	if err != nil {
		s.logger.Error("failed to discard corrupt session record", slog.String("error", err.Error()))
	}
	return apperr.CorruptSession(cause)
}

// Save persists sess and its user mirror atomically, then notifies listeners.
func (s *Store) Save(sess Session) error {
	if sess.Token == "" {
		return errors.New("session has no token")
	}
	sess = sess.Clone()

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	err := s.writeLocked(sess)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.broadcast(Change{Session: &sess})
	return nil
}

// UpdateUser overwrites the user of the session holding token and notifies
// listeners. It fails with a SessionChanged error when another session
// replaced that one, so a caller working from an older read cannot write
// its user onto someone else's token. Storage and the broadcast value change
// together or not at all.
func (s *Store) UpdateUser(token string, u User) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	current, err := s.loadLocked()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if current == nil {
		s.mu.Unlock()
		return apperr.NoSession()
	}
	if current.Token != token {
		s.mu.Unlock()
		return apperr.SessionChanged()
	}
	next := Session{Token: current.Token, User: u.Clone()}
	err = s.writeLocked(next)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.broadcast(Change{Session: &next})
	return nil
}

func (s *Store) writeLocked(sess Session) error {
	sessData, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	userData, err := json.Marshal(sess.User)
	if err != nil {
		return fmt.Errorf("encoding user: %w", err)
	}
	sessEnv, err := s.sealer.Seal(sessData, s.aad(sessionKey))
	util.WipeBytes(sessData)
	if err != nil {
		return fmt.Errorf("sealing session: %w", err)
	}
	userEnv, err := s.sealer.Seal(userData, s.aad(userMirrorKey))
	if err != nil {
		return fmt.Errorf("sealing user: %w", err)
	}
	err = s.repo.Batch(s.namespace, func(tx storage.BatchTx) error {
		if err := tx.Put(sessionKey, sessEnv); err != nil {
			return err
		}
		return tx.Put(userMirrorKey, userEnv)
	})
	if err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}
	return nil
}

// Clear removes the session, the user mirror and every cache entry, then
// broadcasts the "no session" marker.
func (s *Store) Clear() error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	err := s.repo.Batch(s.namespace, func(tx storage.BatchTx) error {
		if err := tx.Delete(sessionKey); err != nil {
			return err
		}
		if err := tx.Delete(userMirrorKey); err != nil {
			return err
		}
		for _, prefix := range s.prefixes {
			keys, err := tx.List(prefix)
			if err != nil {
				return err
			}
			for _, k := range keys {
				if err := tx.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}

	s.broadcast(Change{Cleared: true})
	return nil
}

// SetCache stores an application cache entry. The key must start with one of
// the registered cache prefixes so that Clear removes it.
func (s *Store) SetCache(key string, value []byte) error {
	if !s.cacheKey(key) {
		return fmt.Errorf("cache key %q has no registered prefix", key)
	}
	env, err := s.sealer.Seal(value, s.aad(key))
	if err != nil {
		return fmt.Errorf("sealing cache entry: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repo.Put(s.namespace, key, env)
}

// Cache returns a cache entry, or storage.ErrNotFound.
func (s *Store) Cache(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.read(key)
	if isMissing(err) {
		return nil, storage.ErrNotFound
	}
	return data, err
}

// Keys lists every key currently persisted in the store's namespace.
func (s *Store) Keys() ([]string, error) {
	return s.repo.List(s.namespace, "")
}

func (s *Store) cacheKey(key string) bool {
	for _, p := range s.prefixes {
		if strings.HasPrefix(key, p) && len(key) > len(p) {
			return true
		}
	}
	return false
}

func (s *Store) aad(key string) []byte {
	return []byte(s.namespace + ":" + key)
}

type openError struct {
	key string
	err error
}

func (e *openError) Error() string {
	return fmt.Sprintf("opening %s: %v", e.key, e.err)
}

func (e *openError) Unwrap() error {
	return e.err
}

func (s *Store) read(key string) ([]byte, error) {
	env, err := s.repo.Get(s.namespace, key)
	if err != nil {
		return nil, err
	}
	data, err := s.sealer.Open(env, s.aad(key))
	if err != nil {
		return nil, &openError{key: key, err: err}
	}
	return data, nil
}

func isMissing(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrNamespaceNotFound)
}
