package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/nobat/apperr"
)

const defaultResolveTimeout = 15 * time.Second

// Status is the provider's view of who is logged in.
type Status int

const (
	// StatusLoading means hydration or user resolution is still in flight.
	StatusLoading Status = iota
	// StatusAnonymous means there is definitely no session.
	StatusAnonymous
	// StatusAuthenticated means the session is complete.
	StatusAuthenticated
	// StatusUnverified means a token is stored but the user could not be
	// resolved. The token is kept.
	StatusUnverified
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusAnonymous:
		return "anonymous"
	case StatusAuthenticated:
		return "authenticated"
	case StatusUnverified:
		return "unverified"
	default:
		return "unknown"
	}
}

// State is a snapshot of the provider.
type State struct {
	Status  Status
	Session *Session
	Err     error
}

// Role returns the session role, or RoleUnknown when there is no session.
func (s State) Role() Role {
	if s.Session == nil {
		return RoleUnknown
	}
	return s.Session.User.Role
}

// UserFetcher resolves the user behind a bearer token.
type UserFetcher interface {
	FetchUser(ctx context.Context, token string) (User, error)
}

// Provider hydrates the store, resolves incomplete sessions and exposes the
// current State to the rest of the application.
type Provider struct {
	store          *Store
	fetcher        UserFetcher
	logger         *slog.Logger
	requireSession bool
	loginPath      string
	resolveTimeout time.Duration
	listeners      []func(State)

	mu        sync.Mutex
	state     State
	gen       uint64
	resolving string

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
	closeOnce   sync.Once
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// RequireSession makes Gate redirect to loginPath when there is no usable
// session.
func RequireSession(loginPath string) ProviderOption {
	return func(p *Provider) {
		p.requireSession = true
		p.loginPath = loginPath
	}
}

// WithProviderLogger sets the provider logger.
func WithProviderLogger(logger *slog.Logger) ProviderOption {
	return func(p *Provider) {
		p.logger = logger
	}
}

// WithResolveTimeout bounds background user resolution.
func WithResolveTimeout(d time.Duration) ProviderOption {
	return func(p *Provider) {
		if d > 0 {
			p.resolveTimeout = d
		}
	}
}

// OnStateChange registers fn to be called after every state transition.
func OnStateChange(fn func(State)) ProviderOption {
	return func(p *Provider) {
		p.listeners = append(p.listeners, fn)
	}
}

// NewProvider creates a provider in StatusLoading and subscribes it to store.
func NewProvider(store *Store, fetcher UserFetcher, opts ...ProviderOption) *Provider {
	p := &Provider{
		store:          store,
		fetcher:        fetcher,
		resolveTimeout: defaultResolveTimeout,
		state:          State{Status: StatusLoading},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	p.logger = p.logger.With("component", "session_provider")
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.unsubscribe = store.Subscribe(p.onChange)
	return p
}

// State returns the current snapshot.
func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Hydrate reconstructs the provider state from the store. A session without
// a role is completed with a backend user fetch and persisted. It returns the
// resulting state; errors are reported in State.Err and never leave the
// provider loading.
func (p *Provider) Hydrate(ctx context.Context) State {
	p.mu.Lock()
	gen := p.gen
	p.mu.Unlock()

	sess, err := p.store.Load()
	switch {
	case err != nil:
		if apperr.KindOf(err) == apperr.KindIntegrity {
			p.logger.Warn("persisted session discarded", slog.String("error", err.Error()))
		} else {
			p.logger.Error("failed to load session", slog.String("error", err.Error()))
		}
		return p.transition(gen, State{Status: StatusAnonymous, Err: err})
	case sess == nil:
		return p.transition(gen, State{Status: StatusAnonymous})
	case sess.Complete():
		return p.transition(gen, State{Status: StatusAuthenticated, Session: sess})
	}

	return p.resolve(ctx, gen, *sess)
}

// resolve completes sess with a user fetch. The result is dropped when the
// store changed while the fetch was in flight.
func (p *Provider) resolve(ctx context.Context, gen uint64, sess Session) State {
	user, err := p.fetcher.FetchUser(ctx, sess.Token)
	if err != nil {
		p.logger.Warn("could not resolve session user", slog.String("error", err.Error()))
		return p.transition(gen, State{Status: StatusUnverified, Session: &sess, Err: err})
	}

	completed := Session{Token: sess.Token, User: sess.User.Merge(user)}
	if !completed.Complete() {
		p.logger.Warn("resolved user has no role")
		return p.transition(gen, State{Status: StatusAnonymous, Err: apperr.IncompleteUser()})
	}

	p.mu.Lock()
	stale := p.gen != gen
	p.mu.Unlock()
	if stale {
		return p.State()
	}

	// The write only lands while sess is still the stored session, so a
	// Clear or Save that raced the fetch wins. A successful write broadcasts
	// back into onChange, which moves the provider to StatusAuthenticated.
	if err := p.store.UpdateUser(sess.Token, completed.User); err != nil {
		if e, ok := apperr.As(err); ok && (e.Code == apperr.CodeNoSession || e.Code == apperr.CodeSessionChanged) {
			return p.State()
		}
		p.logger.Error("failed to persist resolved session", slog.String("error", err.Error()))
		return p.transition(gen, State{Status: StatusAuthenticated, Session: &completed, Err: err})
	}
	return p.State()
}

// transition applies next unless the store changed since gen was taken.
func (p *Provider) transition(gen uint64, next State) State {
	p.mu.Lock()
	if p.gen != gen {
		current := p.state
		p.mu.Unlock()
		return current
	}
	p.gen++
	p.state = next
	p.mu.Unlock()

	p.emit(next)
	return next
}

func (p *Provider) emit(s State) {
	for _, fn := range p.listeners {
		fn(s)
	}
}

func (p *Provider) onChange(c Change) {
	p.mu.Lock()
	p.gen++
	gen := p.gen
	var next State
	launch := false
	switch {
	case c.Cleared || c.Session == nil:
		next = State{Status: StatusAnonymous}
		p.resolving = ""
	case c.Session.Complete():
		sess := c.Session.Clone()
		next = State{Status: StatusAuthenticated, Session: &sess}
		p.resolving = ""
	default:
		sess := c.Session.Clone()
		next = State{Status: StatusLoading, Session: &sess}
		if p.resolving != sess.Token && p.ctx.Err() == nil {
			p.resolving = sess.Token
			p.wg.Add(1)
			launch = true
		}
	}
	p.state = next
	p.mu.Unlock()

	p.emit(next)

	if launch {
		sess := *next.Session
		go func() {
			defer p.wg.Done()
			ctx, cancel := context.WithTimeout(p.ctx, p.resolveTimeout)
			defer cancel()
			p.resolve(ctx, gen, sess)
			p.mu.Lock()
			if p.resolving == sess.Token {
				p.resolving = ""
			}
			p.mu.Unlock()
		}()
	}
}

// UpdateUser overwrites the user of the session holding token.
func (p *Provider) UpdateUser(token string, u User) error {
	return p.store.UpdateUser(token, u)
}

// Logout clears the session and every cache entry.
func (p *Provider) Logout() error {
	return p.store.Clear()
}

// Gate applies the RequireSession flag to the current state.
func (p *Provider) Gate() Decision {
	s := p.State()
	switch s.Status {
	case StatusLoading:
		return Decision{Outcome: OutcomeLoading}
	case StatusAuthenticated:
		return Decision{Outcome: OutcomeAllow}
	}
	if p.requireSession {
		return Decision{Outcome: OutcomeRedirect, Path: p.loginPath}
	}
	return Decision{Outcome: OutcomeAllow}
}

// Wait blocks until background resolution has finished.
func (p *Provider) Wait() {
	p.wg.Wait()
}

// Close unsubscribes from the store and cancels background resolution.
func (p *Provider) Close() error {
	p.closeOnce.Do(func() {
		p.unsubscribe()
		p.mu.Lock()
		p.cancel()
		p.mu.Unlock()
		p.wg.Wait()
	})
	return nil
}
