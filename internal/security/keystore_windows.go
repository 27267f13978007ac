// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build windows
// +build windows

package security

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

// On Windows the record is sealed with DPAPI, bound to the current user's
// logon credentials, and the file is locked with LockFileEx.

type dataBLOB struct {
	cbData uint32
	pbData *byte
}

var (
	crypt32                = windows.NewLazySystemDLL("crypt32.dll")
	procCryptProtectData   = crypt32.NewProc("CryptProtectData")
	procCryptUnprotectData = crypt32.NewProc("CryptUnprotectData")
	kernel32               = windows.NewLazySystemDLL("kernel32.dll")
	procLocalFree          = kernel32.NewProc("LocalFree")
)

// cryptprotectUIForbidden suppresses any DPAPI prompt.
const cryptprotectUIForbidden = 0x01

func protect(data []byte) ([]byte, error) {
	return dpapiCall(procCryptProtectData, data)
}

func unprotect(data []byte) ([]byte, error) {
	return dpapiCall(procCryptUnprotectData, data)
}

func dpapiCall(proc *windows.LazyProc, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty data")
	}

	in := dataBLOB{cbData: uint32(len(data)), pbData: &data[0]}
	var out dataBLOB

	ret, _, err := proc.Call(
		uintptr(unsafe.Pointer(&in)),
		0, 0, 0, 0,
		cryptprotectUIForbidden,
		uintptr(unsafe.Pointer(&out)),
	)
	if ret == 0 {
		return nil, fmt.Errorf("%s failed: %w", proc.Name, err)
	}

	result := make([]byte, out.cbData)
	copy(result, unsafe.Slice(out.pbData, out.cbData))
	procLocalFree.Call(uintptr(unsafe.Pointer(out.pbData)))
	return result, nil
}

// checkPrivate is a no-op: DPAPI already binds the record to the user.
func checkPrivate(string) error { return nil }

func lockFile(f *os.File) error {
	ol := new(windows.Overlapped)
	err := windows.LockFileEx(windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, ol)
	if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
		return ErrStoreLocked
	}
	if err != nil {
		return fmt.Errorf("%w: LockFileEx: %v", ErrKeystoreUnavailable, err)
	}
	return nil
}

func unlockFile(f *os.File) {
	ol := new(windows.Overlapped)
	_ = windows.UnlockFileEx(windows.Handle(f.Fd()), 0, 1, 0, ol)
}
