// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util holds small file and string helpers shared by the audit
// packages.
//
// AtomicWriteFile is the only way entry files and the secure-store record are
// written: temp file, fsync, rename, directory fsync. Scans of a directory
// that may hold in-flight writes skip names for which IsTempFile is true.
package util
