// Package lock serializes pipeline runs. Redis gives a cluster-wide lock;
// when no Redis is configured a local flock keeps same-host runs exclusive;
// with neither, runs proceed unguarded with a loud warning.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrConcurrentRun means another ingestion holds the lock right now.
var ErrConcurrentRun = fmt.Errorf("another ingestion run is in progress")

const (
	redisKey = "ingestion:run"
	// lockTTL bounds how long a crashed run can wedge the pipeline.
	lockTTL = time.Hour
)

// Lock is a held run lock; Release is safe to call once.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker acquires the run lock.
type Locker interface {
	Acquire(ctx context.Context) (Lock, error)
}

// New picks the strongest available implementation.
func New(redisURL, lockDir string, log *zap.Logger) Locker {
	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err == nil {
			return &redisLocker{client: redis.NewClient(opts), log: log}
		}
		log.Warn("invalid REDIS_URL, falling back to file lock", zap.Error(err))
	}
	if lockDir != "" {
		return &fileLocker{path: filepath.Join(lockDir, "ingestion.lock"), log: log}
	}
	return &noopLocker{log: log}
}

type redisLocker struct {
	client *redis.Client
	log    *zap.Logger
}

func (l *redisLocker) Acquire(ctx context.Context) (Lock, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, redisKey, token, lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire redis lock: %w", err)
	}
	if !ok {
		return nil, ErrConcurrentRun
	}
	l.log.Debug("redis run lock acquired", zap.String("token", token))
	return &redisLock{client: l.client, token: token}, nil
}

type redisLock struct {
	client *redis.Client
	token  string
}

// releaseScript deletes the key only when we still own it, so a run that
// outlived the TTL cannot release its successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (l *redisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{redisKey}, l.token).Err(); err != nil {
		return fmt.Errorf("release redis lock: %w", err)
	}
	return nil
}

type fileLocker struct {
	path string
	log  *zap.Logger
}

func (l *fileLocker) Acquire(ctx context.Context) (Lock, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	fl := flock.New(l.path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire file lock: %w", err)
	}
	if !ok {
		return nil, ErrConcurrentRun
	}
	l.log.Debug("file run lock acquired", zap.String("path", l.path))
	return &fileLock{fl: fl}, nil
}

type fileLock struct{ fl *flock.Flock }

func (l *fileLock) Release(context.Context) error {
	return l.fl.Unlock()
}

type noopLocker struct{ log *zap.Logger }

func (l *noopLocker) Acquire(context.Context) (Lock, error) {
	l.log.Warn("no redis and no lock dir configured, running without a run lock")
	return noopLock{}, nil
}

type noopLock struct{}

func (noopLock) Release(context.Context) error { return nil }
