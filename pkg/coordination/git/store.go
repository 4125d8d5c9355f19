// Package git implements a StateStore on top of a branch of a git remote.
//
// The working tree of the clone is never modified. Reads come from the
// remote-tracking ref updated by Fetch; writes build a commit against a
// throw-away index and push it with --force-with-lease, so a push only lands
// when the remote branch still points at the commit the caller observed.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"leaselock/pkg/coordination"
	"leaselock/pkg/executor/runner"
)

// Config locates the clone and the branch used for coordination.
type Config struct {
	Dir       string // working clone, used with git -C
	Remote    string // e.g. "origin"
	Branch    string // e.g. "main"
	Binary    string // git executable, defaults to "git"
	Committer string // name and email used for lock commits
}

type Store struct {
	cfg    Config
	runner runner.CommandRunner
	log    *zap.Logger
}

// NewStore validates cfg and returns a store that shells out through r. Dir must
// already be a git repository.
func NewStore(ctx context.Context, cfg Config, r runner.CommandRunner, log *zap.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("git store: empty repository dir")
	}
	if cfg.Remote == "" {
		cfg.Remote = "origin"
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.Binary == "" {
		cfg.Binary = "git"
	}
	if cfg.Committer == "" {
		cfg.Committer = "leaselock"
	}
	if r == nil {
		r = runner.NewShellRunner()
	}
	if log == nil {
		log = zap.NewNop()
	}

	s := &Store{cfg: cfg, runner: r, log: log}
	if res := s.git(ctx, nil, nil, "rev-parse", "--git-dir"); !res.OK() {
		detail := strings.TrimSpace(res.Stderr)
		if detail == "" && res.Error != nil {
			detail = res.Error.Error()
		}
		return nil, fmt.Errorf("git store: %s is not a git repository: %s", cfg.Dir, detail)
	}
	return s, nil
}

func (s *Store) Name() string { return "git" }

func (s *Store) Close() error { return nil }

func (s *Store) trackingRef() string {
	return "refs/remotes/" + s.cfg.Remote + "/" + s.cfg.Branch
}

func (s *Store) branchRef() string {
	return "refs/heads/" + s.cfg.Branch
}

// Fetch updates the remote-tracking ref. A branch that does not exist yet on the
// remote is not an error: the tracking ref is dropped and Get reports ErrNotFound.
func (s *Store) Fetch(ctx context.Context) error {
	refspec := "+" + s.branchRef() + ":" + s.trackingRef()
	res := s.git(ctx, nil, nil, "fetch", "--quiet", "--no-tags", s.cfg.Remote, refspec)
	if res.OK() {
		return nil
	}
	if strings.Contains(res.Stderr, "couldn't find remote ref") {
		s.git(ctx, nil, nil, "update-ref", "-d", s.trackingRef())
		return nil
	}
	return s.fail("fetch", res)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, coordination.Version, error) {
	head, err := s.head(ctx)
	if err != nil {
		return nil, coordination.NoVersion, err
	}
	if head == coordination.NoVersion {
		return nil, coordination.NoVersion, coordination.ErrNotFound
	}

	res := s.git(ctx, nil, nil, "cat-file", "blob", string(head)+":"+key)
	if !res.OK() {
		if res.Error == nil && isMissingPath(res.Stderr) {
			// The branch exists but the path does not; creating it must build on head.
			return nil, head, coordination.ErrNotFound
		}
		return nil, coordination.NoVersion, s.fail("cat-file", res)
	}
	return []byte(res.Stdout), head, nil
}

// head resolves the tracking ref to a commit, NoVersion when it does not exist.
func (s *Store) head(ctx context.Context) (coordination.Version, error) {
	res := s.git(ctx, nil, nil, "rev-parse", "--verify", "--quiet", s.trackingRef()+"^{commit}")
	if res.OK() {
		return coordination.Version(strings.TrimSpace(res.Stdout)), nil
	}
	// --verify --quiet exits 1 for a missing ref and 128 for real failures.
	if res.Error == nil && res.ExitCode == 1 {
		return coordination.NoVersion, nil
	}
	return coordination.NoVersion, s.fail("rev-parse", res)
}

func isMissingPath(stderr string) bool {
	return strings.Contains(stderr, "does not exist") || strings.Contains(stderr, "not in '")
}

func (s *Store) CompareAndSet(ctx context.Context, key string, expected coordination.Version, value []byte, message string) (coordination.Version, error) {
	indexDir, err := os.MkdirTemp("", "leaselock-index-")
	if err != nil {
		return coordination.NoVersion, fmt.Errorf("create temp index dir: %w", err)
	}
	defer os.RemoveAll(indexDir)
	env := []string{"GIT_INDEX_FILE=" + filepath.Join(indexDir, "index")}

	res := s.git(ctx, nil, bytes.NewReader(value), "hash-object", "-w", "--stdin")
	if !res.OK() {
		return coordination.NoVersion, s.fail("hash-object", res)
	}
	blob := strings.TrimSpace(res.Stdout)

	if expected != coordination.NoVersion {
		if res := s.git(ctx, env, nil, "read-tree", string(expected)); !res.OK() {
			return coordination.NoVersion, s.fail("read-tree", res)
		}
	}
	if res := s.git(ctx, env, nil, "update-index", "--add", "--cacheinfo", "100644,"+blob+","+key); !res.OK() {
		return coordination.NoVersion, s.fail("update-index", res)
	}

	res = s.git(ctx, env, nil, "write-tree")
	if !res.OK() {
		return coordination.NoVersion, s.fail("write-tree", res)
	}
	tree := strings.TrimSpace(res.Stdout)

	commitArgs := []string{"commit-tree", "-m", message}
	if expected != coordination.NoVersion {
		commitArgs = append(commitArgs, "-p", string(expected))
	}
	commitArgs = append(commitArgs, tree)
	res = s.git(ctx, s.identityEnv(), nil, commitArgs...)
	if !res.OK() {
		return coordination.NoVersion, s.fail("commit-tree", res)
	}
	commit := strings.TrimSpace(res.Stdout)

	lease := "--force-with-lease=" + s.branchRef() + ":" + string(expected)
	res = s.git(ctx, nil, nil, "push", "--porcelain", "--quiet", lease, s.cfg.Remote, commit+":"+s.branchRef())
	if !res.OK() {
		if isRejected(res) {
			s.log.Debug("push rejected",
				zap.String("expected", string(expected)),
				zap.String("stderr", strings.TrimSpace(res.Stderr)))
			return coordination.NoVersion, coordination.ErrConflict
		}
		return coordination.NoVersion, s.fail("push", res)
	}

	// Keep the tracking ref in step so a following Get sees our own write.
	if res := s.git(ctx, nil, nil, "update-ref", s.trackingRef(), commit); !res.OK() {
		s.log.Warn("failed to advance tracking ref", zap.String("stderr", res.Stderr))
	}
	return coordination.Version(commit), nil
}

func isRejected(res runner.Result) bool {
	out := res.Stdout + res.Stderr
	// a concurrent push holding the remote ref lock counts as losing the race
	for _, marker := range []string{"[rejected]", "stale info", "non-fast-forward", "fetch first", "failed to lock", "cannot lock ref", "failed to update ref", "incorrect old value"} {
		if strings.Contains(out, marker) {
			return true
		}
	}
	return false
}

func (s *Store) identityEnv() []string {
	email := s.cfg.Committer + "@leaselock"
	return []string{
		"GIT_AUTHOR_NAME=" + s.cfg.Committer,
		"GIT_AUTHOR_EMAIL=" + email,
		"GIT_COMMITTER_NAME=" + s.cfg.Committer,
		"GIT_COMMITTER_EMAIL=" + email,
	}
}

func (s *Store) git(ctx context.Context, env []string, stdin *bytes.Reader, args ...string) runner.Result {
	cmd := runner.Command{
		Name: s.cfg.Binary,
		Args: append([]string{"-C", s.cfg.Dir, "-c", "commit.gpgsign=false"}, args...),
		Env:  append([]string{"GIT_TERMINAL_PROMPT=0"}, env...),
	}
	if stdin != nil {
		cmd.Stdin = stdin
	}
	return s.runner.Run(ctx, cmd)
}

// fail maps a failed git invocation to ErrUnavailable; callers classify conflicts first.
func (s *Store) fail(op string, res runner.Result) error {
	detail := strings.TrimSpace(res.Stderr)
	if detail == "" && res.Error != nil {
		detail = res.Error.Error()
	}
	return fmt.Errorf("%w: git %s (exit %d): %s", coordination.ErrUnavailable, op, res.ExitCode, detail)
}
