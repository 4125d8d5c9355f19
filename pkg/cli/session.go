package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	config "leaselock/configs"
	"leaselock/pkg/coordination"
	"leaselock/pkg/election"
	"leaselock/pkg/identity"
	"leaselock/pkg/keystore"
	"leaselock/pkg/logger"
	tracing "leaselock/pkg/observability"
	"leaselock/pkg/signer"
	"leaselock/pkg/storage"
)

// session is everything one command needs to talk to the election.
type session struct {
	cfg      *config.Config
	log      *zap.Logger
	store    coordination.StateStore
	election *election.Election
	tracer   *tracing.Provider
	key      []byte
}

type sessionOptions struct {
	root     string
	readOnly bool // never generate a key
	breaker  bool // wrap store calls in a circuit breaker
}

// loadConfig merges the config file, environment and persistent flags.
func (a *app) loadConfig(root string) (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	if root != "" {
		cfg.Root = root
	}
	if a.backend != "" {
		cfg.Backend = a.backend
	}
	if a.policy != "" {
		cfg.FailurePolicy = a.policy
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.machineID != "" {
		cfg.MachineID = a.machineID
	}

	if cfg.MachineID == "" {
		cfg.MachineID = identity.MachineID()
	} else {
		cfg.MachineID = identity.Sanitize(cfg.MachineID)
	}
	if cfg.KeyPath == "" {
		cfg.KeyPath = keystore.DefaultPath()
	}
	return cfg, nil
}

// loadKey prefers LEASELOCK_SECRET over the key file.
func loadKey(cfg *config.Config, log *zap.Logger, readOnly bool) ([]byte, error) {
	if cfg.Secret != "" {
		return keystore.DecodeKey(cfg.Secret)
	}
	if readOnly {
		return keystore.Load(cfg.KeyPath)
	}
	key, generated, err := keystore.LoadOrGenerate(cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	if generated {
		log.Warn("generated a new shared secret; copy it to the other machines with 'leaselock key export'",
			zap.String("path", cfg.KeyPath))
	}
	return key, nil
}

func (a *app) openSession(ctx context.Context, opts sessionOptions) (*session, error) {
	cfg, err := a.loadConfig(opts.root)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.Logging.MachineID = cfg.MachineID
	log, err := logger.Init(cfg.Logging)
	if err != nil {
		return nil, err
	}

	key, err := loadKey(cfg, log, opts.readOnly)
	if err != nil {
		return nil, err
	}
	sig, err := signer.NewHMACSigner(key)
	if err != nil {
		return nil, err
	}

	tp, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, cfg, log)
	if err != nil {
		tp.Shutdown(ctx)
		return nil, fmt.Errorf("open %s backend: %w", cfg.Backend, err)
	}

	ec, err := cfg.ElectionConfig()
	if err != nil {
		store.Close()
		tp.Shutdown(ctx)
		return nil, err
	}
	electionOpts := []election.Option{election.WithLogger(log)}
	if opts.breaker {
		electionOpts = append(electionOpts,
			election.WithBreaker(election.NewStoreBreaker(store.Name(), cfg.Breaker.Threshold, cfg.Breaker.Cooldown, log)))
	}
	el, err := election.New(ec, store, sig, electionOpts...)
	if err != nil {
		store.Close()
		tp.Shutdown(ctx)
		return nil, err
	}

	return &session{cfg: cfg, log: log, store: store, election: el, tracer: tp, key: key}, nil
}

func (s *session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := errors.Join(s.store.Close(), s.tracer.Shutdown(ctx))
	logger.Sync()
	return err
}

func rootArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}
