package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/nobat/backend"
	"github.com/jmcleod/nobat/internal/config"
	"github.com/jmcleod/nobat/internal/logger"
	"github.com/jmcleod/nobat/session"
	"github.com/jmcleod/nobat/storage"
	bboltstorage "github.com/jmcleod/nobat/storage/bbolt"
)

// localNamespace holds the terminal client's session in client.db.
const localNamespace = "local"

var jsonOutput bool

// localClient is the terminal client's view of the session: one store and
// one provider over the local data directory.
type localClient struct {
	cfg      *config.Config
	repo     *bboltstorage.Store
	store    *session.Store
	provider *session.Provider
	backend  *backend.Client
	logger   *slog.Logger
}

func openLocalClient(cmd *cobra.Command) (*localClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	applyDataDir(cmd, cfg)
	log := logger.Setup(os.Stderr, logger.ParseLevel(cfg.LogLevel))

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, "client.db"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open client storage: %w", err)
	}
	sealer, err := storage.NewSealer([]byte(cfg.StorageSecret), sealerPurpose)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to derive sealing key: %w", err)
	}
	client, err := backend.New(cfg.APIBaseURL,
		backend.WithTimeout(cfg.HTTPTimeout),
		backend.WithRateLimit(cfg.BackendRate, cfg.BackendBurst),
		backend.WithLogger(log.With("component", "backend")),
	)
	if err != nil {
		repo.Close()
		return nil, err
	}

	store := session.NewStore(repo, sealer, localNamespace,
		session.WithCachePrefixes(cfg.CachePrefixes...),
		session.WithStoreLogger(log.With("component", "session")),
	)
	provider := session.NewProvider(store, client,
		session.WithProviderLogger(log.With("component", "session")),
		session.WithResolveTimeout(cfg.HTTPTimeout),
	)
	return &localClient{
		cfg:      cfg,
		repo:     repo,
		store:    store,
		provider: provider,
		backend:  client,
		logger:   log,
	}, nil
}

// hydrate loads the stored session, resolving it against the backend when
// its role is missing.
func (c *localClient) hydrate(ctx context.Context) session.State {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HTTPTimeout+5*time.Second)
	defer cancel()
	return c.provider.Hydrate(ctx)
}

func (c *localClient) Close() error {
	_ = c.provider.Close()
	return c.repo.Close()
}

// sessionView is what whoami prints. The bearer token is never shown.
type sessionView struct {
	Status string        `json:"status"`
	User   *session.User `json:"user,omitempty"`
	Error  string        `json:"error,omitempty"`
}

func viewOf(state session.State) sessionView {
	v := sessionView{Status: state.Status.String()}
	if state.Session != nil && state.Status != session.StatusAnonymous {
		u := state.Session.User.Clone()
		v.User = &u
	}
	if state.Err != nil {
		v.Error = userMessage(state.Err)
	}
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSession(w io.Writer, state session.State) error {
	v := viewOf(state)
	if jsonOutput {
		return printJSON(w, v)
	}
	fmt.Fprintf(w, "Status: %s\n", v.Status)
	if v.User != nil {
		fmt.Fprintf(w, "Role:   %s\n", v.User.Role)
		if v.User.Name != "" {
			fmt.Fprintf(w, "Name:   %s\n", v.User.Name)
		}
		if v.User.Phone != "" {
			fmt.Fprintf(w, "Phone:  %s\n", v.User.Phone)
		}
	}
	if v.Error != "" {
		fmt.Fprintf(w, "Note:   %s\n", v.Error)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
}
