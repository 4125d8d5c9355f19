// Package storage opens the StateStore backend selected by configuration.
package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	config "leaselock/configs"
	"leaselock/pkg/coordination"
	"leaselock/pkg/coordination/etcd"
	"leaselock/pkg/coordination/git"
	"leaselock/pkg/coordination/memory"
	"leaselock/pkg/executor/runner"
	"leaselock/pkg/storage/postgres"
	"leaselock/pkg/storage/redis"
	"leaselock/pkg/storage/s3store"
)

// Open connects to the backend named by cfg.Backend. The caller closes the store.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (coordination.StateStore, error) {
	if log == nil {
		log = zap.NewNop()
	}

	switch cfg.Backend {
	case "git", "":
		return checked(git.NewStore(ctx, git.Config{
			Dir:       cfg.Root,
			Remote:    cfg.Git.Remote,
			Branch:    cfg.Git.Branch,
			Binary:    cfg.Git.Binary,
			Committer: cfg.Git.Committer,
		}, runner.NewShellRunner(), log.Named("git")))

	case "etcd":
		return checked(etcd.NewEtcdStore(etcd.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
			Username:    cfg.Etcd.Username,
			Password:    cfg.Etcd.Password,
			Prefix:      cfg.Etcd.Prefix,
		}))

	case "redis":
		rc := redis.DefaultRedisStoreConfig(cfg.Redis.Addr)
		rc.Password = cfg.Redis.Password
		rc.DB = cfg.Redis.DB
		if cfg.Redis.Prefix != "" {
			rc.Prefix = cfg.Redis.Prefix
		}
		return redis.NewRedisStore(rc), nil

	case "s3":
		return checked(s3store.NewS3Store(ctx, s3store.S3StoreConfig{
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		}))

	case "postgres":
		return checked(postgres.NewPostgresStore(cfg.Postgres.DSN, cfg.Postgres.Table))

	case "memory":
		log.Warn("memory backend only coordinates within this process")
		return memory.NewStore(), nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// checked keeps a failed constructor's typed nil pointer out of the interface.
func checked[S coordination.StateStore](s S, err error) (coordination.StateStore, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}
