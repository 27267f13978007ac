// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !windows
// +build !windows

package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// On Unix the record is protected by filesystem permissions alone: 0600 on
// the file, 0700 on its directory. Anything looser is refused.

func protect(data []byte) ([]byte, error)   { return data, nil }
func unprotect(data []byte) ([]byte, error) { return data, nil }

// checkPrivate verifies the record and its directory carry no group or world
// permission bits.
func checkPrivate(path string) error {
	dir := filepath.Dir(path)
	dirInfo, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("failed to stat store directory: %w", err)
	}
	if mode := dirInfo.Mode().Perm(); mode&0077 != 0 {
		return fmt.Errorf("store directory has insecure permissions (%o); fix with: chmod 700 %s", mode, dir)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat store file: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		return fmt.Errorf("store file has insecure permissions (%o); fix with: chmod 600 %s", mode, path)
	}
	return nil
}

// lockFile takes a non-blocking exclusive flock.
func lockFile(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return ErrStoreLocked
	}
	if err != nil {
		return fmt.Errorf("%w: flock: %v", ErrKeystoreUnavailable, err)
	}
	return nil
}

func unlockFile(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
