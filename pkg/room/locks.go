package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/jeong-sik/masc-mcp-sub011/pkg/storage"
)

// fileLockName is the storage lock namespace for file locks.
func fileLockName(p string) string { return "file:" + p }

// fileLockMirrorKey is the KV mirror that makes held locks enumerable; the
// storage lock itself is authoritative.
func fileLockMirrorKey(p string) string { return "locks/" + p }

// NormalizeFilePath validates and canonicalises a room-relative file path.
// Absolute paths, parent traversal and null bytes are rejected.
func NormalizeFilePath(p string) (string, error) {
	if p == "" || strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilePath, p)
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return "", fmt.Errorf("%w: absolute path %q", ErrInvalidFilePath, p)
	}
	clean := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: traversal in %q", ErrInvalidFilePath, p)
	}
	return clean, nil
}

// LockFile reserves a file path for agent with the given ttl. A lock whose
// ttl elapsed is reclaimable by any subsequent LockFile.
func (r *Room) LockFile(ctx context.Context, filePath, agent string, ttl time.Duration) (*FileLockInfo, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	if err := ValidateAgentName(agent); err != nil {
		return nil, err
	}
	norm, err := NormalizeFilePath(filePath)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	var res storage.LockResult
	err = storage.WithRetry(ctx, func() error {
		var lockErr error
		res, lockErr = r.store.Lock(ctx, fileLockName(norm), agent, ttl)
		return lockErr
	})
	if err != nil {
		return nil, err
	}
	if !res.Acquired {
		return nil, &FileLockedError{Path: norm, By: res.HeldBy}
	}

	info := &FileLockInfo{
		Path:       norm,
		Owner:      agent,
		AcquiredAt: r.now().UTC(),
		TTL:        ttl,
	}
	// Mirror with matching TTL so enumeration expires with the lock.
	raw, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	if err := r.store.Put(ctx, fileLockMirrorKey(norm), raw, ttl); err != nil {
		return nil, err
	}
	r.notifier.Notify(NotifyProgress, map[string]any{
		"event": "file_locked", "path": norm, "agent": agent,
	})
	return info, nil
}

// UnlockFile releases the lock if agent holds it.
func (r *Room) UnlockFile(ctx context.Context, filePath, agent string) error {
	if err := r.checkInitialized(); err != nil {
		return err
	}
	norm, err := NormalizeFilePath(filePath)
	if err != nil {
		return err
	}
	if err := r.store.Unlock(ctx, fileLockName(norm), agent); err != nil {
		if errors.Is(err, storage.ErrNotOwner) {
			return ErrNotOwner
		}
		return err
	}
	if err := r.store.Delete(ctx, fileLockMirrorKey(norm)); err != nil {
		return err
	}
	r.notifier.Notify(NotifyProgress, map[string]any{
		"event": "file_unlocked", "path": norm, "agent": agent,
	})
	return nil
}

// GetLocks enumerates currently mirrored locks.
func (r *Room) GetLocks(ctx context.Context) ([]FileLockInfo, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	return scanJSON[FileLockInfo](ctx, r, "locks/")
}
