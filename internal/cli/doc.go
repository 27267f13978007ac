// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the auditctl command tree.
//
// Commands open the audit log from the configured file, perform one
// operation and close it again; no background delivery is started. Output
// is a table on a terminal and a JSON envelope otherwise, or as forced by
// --output.
package cli
