// Shieldpool daemon - rolls pending shielded transactions into the trees
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ccoin/shieldpool/internal/ledger"
	"github.com/ccoin/shieldpool/internal/p2p"
	"github.com/ccoin/shieldpool/internal/rollup"
	"github.com/ccoin/shieldpool/internal/state"
	"github.com/ccoin/shieldpool/internal/storage"
	"github.com/ccoin/shieldpool/internal/zkp"
)

const version = "0.1.0"

// Config holds daemon configuration
type Config struct {
	// Ledger: memory or postgres
	Ledger     string
	DBURL      string
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Trees: memory, leveldb or postgres
	TreeStore string
	TreeDepth int
	DataDir   string

	// Rollup
	Interval      time.Duration
	Policy        string
	MaxExclusions int
	MaxPending    int
	VerifyProofs  bool

	// Network
	EnableP2P  bool
	ListenAddr string
	Bootstrap  string
	EnableMDNS bool

	// Logging
	LogLevel string
}

func main() {
	cfg := parseFlags()

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon stopped", zap.Error(err))
		os.Exit(1)
	}
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.Ledger, "ledger", "memory", "Ledger backend (memory, postgres)")
	flag.StringVar(&cfg.DBURL, "db-url", "", "PostgreSQL connection string (overrides db-* flags)")
	flag.StringVar(&cfg.DBHost, "db-host", "localhost", "PostgreSQL host")
	flag.IntVar(&cfg.DBPort, "db-port", 5432, "PostgreSQL port")
	flag.StringVar(&cfg.DBUser, "db-user", "shieldpool", "PostgreSQL user")
	flag.StringVar(&cfg.DBPassword, "db-password", "", "PostgreSQL password")
	flag.StringVar(&cfg.DBName, "db-name", "shieldpool", "PostgreSQL database name")

	flag.StringVar(&cfg.TreeStore, "tree-store", "leveldb", "Tree leaf store (memory, leveldb, postgres)")
	flag.IntVar(&cfg.TreeDepth, "tree-depth", zkp.TreeDepth, "Depth of both trees")
	flag.StringVar(&cfg.DataDir, "data-dir", "./data", "Data directory")

	flag.DurationVar(&cfg.Interval, "rollup-interval", 10*time.Second, "Time between rollups")
	flag.StringVar(&cfg.Policy, "policy", "abort", "Double spend policy (abort, exclude)")
	flag.IntVar(&cfg.MaxExclusions, "max-exclusions", 16, "Transactions one rollup may exclude")
	flag.IntVar(&cfg.MaxPending, "max-pending", 0, "Pending pool cap for the memory ledger (0 = none)")
	flag.BoolVar(&cfg.VerifyProofs, "verify-proofs", false, "Require and verify proofs on gossiped transactions")

	flag.BoolVar(&cfg.EnableP2P, "p2p", false, "Join the gossip network")
	flag.StringVar(&cfg.ListenAddr, "listen", "/ip4/0.0.0.0/tcp/9100", "P2P listen address")
	flag.StringVar(&cfg.Bootstrap, "bootstrap", "", "Comma-separated bootstrap peer multiaddrs")
	flag.BoolVar(&cfg.EnableMDNS, "mdns", true, "Discover peers on the local network")

	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	flag.Parse()

	return cfg
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if lvl.Level() == zap.DebugLevel {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = lvl
	return zcfg.Build()
}

// backend is everything the daemon opened and must close
type backend struct {
	ledger ledger.Ledger
	stores state.Stores
	closers []func()
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func run(ctx context.Context, cfg *Config, logger *zap.Logger) error {
	logger.Info("starting shieldd", zap.String("version", version))

	policy, err := rollup.ParsePolicy(cfg.Policy)
	if err != nil {
		return err
	}

	var verifier zkp.Verifier
	if cfg.VerifyProofs {
		if cfg.Ledger != "memory" {
			logger.Warn("only the memory ledger verifies proofs; gossiped proofs are required but not checked")
		}
		manager := zkp.NewCircuitManager(cfg.TreeDepth)
		logger.Info("compiling circuits")
		if err := manager.CompileAll(); err != nil {
			return fmt.Errorf("compile circuits: %w", err)
		}
		verifier = manager
	}

	b, err := openBackend(ctx, cfg, verifier, logger)
	if err != nil {
		return err
	}
	defer b.close()

	trees, err := state.Open(ctx, &state.Config{CommitmentDepth: cfg.TreeDepth, NullifierDepth: cfg.TreeDepth}, b.stores)
	if err != nil {
		return fmt.Errorf("restore trees: %w", err)
	}

	svc := rollup.NewService(trees, b.ledger, &rollup.Config{
		Policy:        policy,
		MaxExclusions: cfg.MaxExclusions,
		Interval:      cfg.Interval,
	})
	svc.SetLogger(logger.Named("rollup"))

	if cfg.EnableP2P {
		node, err := startGossip(ctx, cfg, trees, b.ledger, logger.Named("p2p"))
		if err != nil {
			return err
		}
		defer node.Close()
		svc.AddObserver(p2p.NewRootsAnnouncer(trees, node, logger.Named("p2p")))
	}

	resume(ctx, svc, logger)

	roots := trees.Roots()
	logger.Info("shieldd started",
		zap.Stringer("commitment_root", roots.CommitmentRoot),
		zap.Stringer("nullifier_root", roots.NullifierRoot),
		zap.Duration("interval", cfg.Interval),
	)

	return svc.Run(ctx)
}

func openBackend(ctx context.Context, cfg *Config, verifier zkp.Verifier, logger *zap.Logger) (*backend, error) {
	b := &backend{}

	var pg *storage.PostgresStore
	if cfg.Ledger == "postgres" || cfg.TreeStore == "postgres" {
		store, err := storage.NewPostgresStore(ctx, &storage.Config{
			ConnString: cfg.DBURL,
			Host:       cfg.DBHost,
			Port:       cfg.DBPort,
			User:       cfg.DBUser,
			Password:   cfg.DBPassword,
			Database:   cfg.DBName,
			SSLMode:    "disable",
			MaxConns:   20,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		b.closers = append(b.closers, store.Close)
		if err := store.Migrate(ctx); err != nil {
			b.close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		store.SetLogger(logger.Named("postgres"))
		pg = store
	}

	switch cfg.Ledger {
	case "memory":
		l := ledger.NewMemoryLedger(&ledger.Config{MaxPending: cfg.MaxPending, Verifier: verifier})
		l.SetLogger(logger.Named("ledger"))
		b.ledger = l
	case "postgres":
		b.ledger = pg
	default:
		b.close()
		return nil, fmt.Errorf("unknown ledger %q", cfg.Ledger)
	}

	switch cfg.TreeStore {
	case "memory":
	case "leveldb":
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			b.close()
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := storage.OpenLevelStore(filepath.Join(cfg.DataDir, "trees"))
		if err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, func() { store.Close() })
		b.stores = state.Stores{Commitments: store, Nullifiers: store}
	case "postgres":
		b.stores = state.Stores{Commitments: pg, Nullifiers: pg}
	default:
		b.close()
		return nil, fmt.Errorf("unknown tree store %q", cfg.TreeStore)
	}

	return b, nil
}

// resume holds cycles back while restored trees are ahead of the ledger.
// Reconcile is retried by Run when the first attempt fails.
func resume(ctx context.Context, svc *rollup.Service, logger *zap.Logger) {
	err := svc.Resume(ctx)
	if err == nil {
		return
	}

	logger.Warn("restored trees do not match ledger, reconciling", zap.Error(err))
	if _, err := svc.Reconcile(ctx); err != nil {
		logger.Error("reconcile failed, rollups held until it succeeds", zap.Error(err))
	}
}

func startGossip(ctx context.Context, cfg *Config, trees *state.Trees, l ledger.Ledger, logger *zap.Logger) (*p2p.Node, error) {
	pcfg := p2p.DefaultConfig()
	pcfg.ListenAddrs = []string{cfg.ListenAddr}
	pcfg.EnableMDNS = cfg.EnableMDNS
	if cfg.Bootstrap != "" {
		pcfg.BootstrapPeers = strings.Split(cfg.Bootstrap, ",")
	}

	node, err := p2p.NewNode(ctx, pcfg, logger)
	if err != nil {
		return nil, fmt.Errorf("start p2p: %w", err)
	}

	relay := p2p.NewRelay(l, node, &p2p.RelayConfig{
		RequireProof:  cfg.VerifyProofs,
		SeenCacheSize: p2p.DefaultRelayConfig().SeenCacheSize,
	})
	relay.SetLogger(logger)

	node.Handle(p2p.PendingTopic, relay.HandlePending)
	node.Handle(p2p.RootsTopic, p2p.NewRootsWatcher(trees, logger).HandleRoots)
	node.Start()

	for _, addr := range node.Addrs() {
		logger.Info("listening", zap.String("addr", fmt.Sprintf("%s/p2p/%s", addr, node.ID())))
	}
	return node, nil
}
