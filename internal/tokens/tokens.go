// Package tokens implements file based cross job mutual exclusion. A token
// is a text file at a well known path whose contents are the signature of
// the job holding it; presence means held, absence means free.
package tokens

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"forgegraph/pkg/errors"
	"forgegraph/pkg/logger"
)

// Arbiter acquires and releases tokens for one job signature.
type Arbiter struct {
	signature string
	created   []string
	logger    *logger.Logger
}

func NewArbiter(signature string, log *logger.Logger) *Arbiter {
	return &Arbiter{
		signature: signature,
		logger:    log.WithField("component", "tokens"),
	}
}

// TryAcquire attempts to take every token. Tokens already held by this job
// signature count as acquired; any other holder is returned as a conflict.
// Tokens this call created stay held until ReleaseCreated or job end.
func (a *Arbiter) TryAcquire(paths []string) ([]errors.TokenConflict, error) {
	var conflicts []errors.TokenConflict
	for _, path := range paths {
		acquired, err := a.tryAcquireOne(path)
		if err != nil {
			return nil, err
		}
		if acquired {
			continue
		}

		holder, err := ReadHolder(path)
		if err != nil {
			return nil, err
		}
		if holder != a.signature {
			conflicts = append(conflicts, errors.TokenConflict{Path: path, Holder: holder})
		}
	}
	return conflicts, nil
}

// tryAcquireOne creates the token file atomically. The link-into-place
// primitive fails when the target already exists, which is the property the
// whole arbitration scheme rests on.
func (a *Arbiter) tryAcquireOne(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, &errors.StorageError{Path: path, Operation: "acquire-token", Err: err}
	}

	tmp := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	if err := os.WriteFile(tmp, []byte(a.signature), 0644); err != nil {
		return false, &errors.StorageError{Path: path, Operation: "acquire-token", Err: err}
	}
	defer func() { _ = os.Remove(tmp) }()

	if err := os.Link(tmp, path); err != nil {
		if os.IsExist(err) {
			// Lost the race; the holder is whoever got there first.
			return false, nil
		}
		return false, &errors.StorageError{Path: path, Operation: "acquire-token", Err: err}
	}

	a.created = append(a.created, path)
	a.logger.Debug("acquired token", "path", path)
	return true, nil
}

// ReleaseCreated deletes every token this arbiter created. Used to roll
// back a failed acquisition attempt; tokens are never released on success.
func (a *Arbiter) ReleaseCreated() {
	for _, path := range a.created {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			a.logger.Warn("failed to release token", "path", path, "error", err)
		} else {
			a.logger.Debug("released token", "path", path)
		}
	}
	a.created = nil
}

// ReadHolder returns the signature of the job holding the token, or the
// empty string when the token is free.
func ReadHolder(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", &errors.StorageError{Path: path, Operation: "read-token", Err: err}
	}
	return strings.TrimSpace(string(data)), nil
}
