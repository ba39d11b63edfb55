// Package storage provides the code-retrieval backends a deployment pulls
// its flow source from before execution.
package storage

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/viant/afs"

	"github.com/cswartzvi/prefect/internal/core"
)

// LocalStorage serves code that already exists on disk. Pull only verifies
// the destination is present; there is nothing to fetch.
type LocalStorage struct {
	dest string
}

// NewLocalStorage creates a local backend rooted at dest.
func NewLocalStorage(dest string) *LocalStorage {
	return &LocalStorage{dest: dest}
}

// Destination returns the local code path.
func (s *LocalStorage) Destination() string { return s.dest }

// PullInterval is zero: local code is pulled exactly once per process
// lifetime (a no-op pull at that).
func (s *LocalStorage) PullInterval() time.Duration { return 0 }

// Pull verifies the destination directory exists.
func (s *LocalStorage) Pull(_ context.Context) error {
	info, err := os.Stat(s.dest)
	if err != nil {
		return core.ErrExecution(core.CodePullFailed,
			fmt.Sprintf("local code path %s: %v", s.dest, err)).WithCause(err)
	}
	if !info.IsDir() {
		return core.ErrValidation(core.CodePullFailed,
			fmt.Sprintf("local code path %s is not a directory", s.dest))
	}
	return nil
}

// RemoteStorage fetches code from a URL into a local destination. The
// source may be any scheme the abstract file service supports (file, mem,
// s3, gs, http). Pulls for one backend are serialized: concurrent callers
// wait rather than duplicating the fetch.
type RemoteStorage struct {
	source   string
	dest     string
	interval time.Duration

	mu sync.Mutex
	fs afs.Service
}

// NewRemoteStorage creates a remote backend copying source into dest,
// refreshed at most every interval. interval <= 0 means pull exactly once
// per process lifetime.
func NewRemoteStorage(source, dest string, interval time.Duration) *RemoteStorage {
	return &RemoteStorage{
		source:   source,
		dest:     dest,
		interval: interval,
		fs:       afs.New(),
	}
}

// Destination returns the local path pulled code lands in.
func (s *RemoteStorage) Destination() string { return s.dest }

// PullInterval returns the refresh interval.
func (s *RemoteStorage) PullInterval() time.Duration { return s.interval }

// Pull copies the source tree into the destination.
func (s *RemoteStorage) Pull(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dest, 0o750); err != nil {
		return core.ErrExecution(core.CodePullFailed,
			fmt.Sprintf("creating destination %s: %v", s.dest, err)).WithCause(err)
	}
	if err := s.fs.Copy(ctx, s.source, s.dest); err != nil {
		return core.ErrExecution(core.CodePullFailed,
			fmt.Sprintf("pulling %s: %v", s.source, err)).WithCause(err)
	}
	return nil
}

var (
	_ core.Storage = (*LocalStorage)(nil)
	_ core.Storage = (*RemoteStorage)(nil)
)
