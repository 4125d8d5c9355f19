package etcd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"leaselock/pkg/coordination"
)

const provenanceSuffix = ".provenance"

// Config holds etcd connection settings.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
	Prefix      string // prepended to every key, e.g. "/leaselock/"
}

// EtcdStore keeps the lock under a single key and uses its ModRevision as the version.
type EtcdStore struct {
	client *clientv3.Client
	prefix string
}

func NewEtcdStore(cfg Config) (*EtcdStore, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return NewEtcdStoreFromClient(cli, cfg.Prefix), nil
}

// NewEtcdStoreFromClient wraps an existing client; Close closes it.
func NewEtcdStoreFromClient(cli *clientv3.Client, prefix string) *EtcdStore {
	return &EtcdStore{client: cli, prefix: prefix}
}

func (s *EtcdStore) Name() string { return "etcd" }

func (s *EtcdStore) Close() error {
	return s.client.Close()
}

// Fetch is a no-op: etcd reads are linearizable by default.
func (s *EtcdStore) Fetch(ctx context.Context) error {
	return nil
}

func (s *EtcdStore) key(key string) string {
	return s.prefix + strings.TrimPrefix(key, "/")
}

func (s *EtcdStore) Get(ctx context.Context, key string) ([]byte, coordination.Version, error) {
	resp, err := s.client.Get(ctx, s.key(key))
	if err != nil {
		return nil, coordination.NoVersion, fmt.Errorf("%w: etcd get: %v", coordination.ErrUnavailable, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, coordination.NoVersion, coordination.ErrNotFound
	}
	kv := resp.Kvs[0]
	return kv.Value, coordination.Version(strconv.FormatInt(kv.ModRevision, 10)), nil
}

func (s *EtcdStore) CompareAndSet(ctx context.Context, key string, expected coordination.Version, value []byte, message string) (coordination.Version, error) {
	k := s.key(key)

	var cmp clientv3.Cmp
	if expected == coordination.NoVersion {
		cmp = clientv3.Compare(clientv3.CreateRevision(k), "=", 0)
	} else {
		rev, err := strconv.ParseInt(string(expected), 10, 64)
		if err != nil {
			return coordination.NoVersion, fmt.Errorf("invalid etcd version %q: %w", expected, err)
		}
		cmp = clientv3.Compare(clientv3.ModRevision(k), "=", rev)
	}

	resp, err := s.client.Txn(ctx).
		If(cmp).
		Then(
			clientv3.OpPut(k, string(value)),
			clientv3.OpPut(k+provenanceSuffix, message),
		).
		Commit()
	if err != nil {
		return coordination.NoVersion, fmt.Errorf("%w: etcd txn: %v", coordination.ErrUnavailable, err)
	}
	if !resp.Succeeded {
		return coordination.NoVersion, coordination.ErrConflict
	}
	return coordination.Version(strconv.FormatInt(resp.Header.Revision, 10)), nil
}
