// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Lawrencewte/benefitmetrics-sub001/internal/util"
)

// maxFieldRunes caps free-text fields so a runaway caller cannot produce
// oversized entries.
const maxFieldRunes = 512

// BuildOptions carries the optional parts of an entry.
type BuildOptions struct {
	ResourceID  string
	Details     any
	LogLevel    LogLevel
	ContainsPHI bool
}

// DeviceInfoFunc returns device metadata or an error when unavailable.
type DeviceInfoFunc func() (*DeviceInfo, error)

// AddressFunc returns the device's network address or an error.
type AddressFunc func() (string, error)

// Builder assembles unlinked entries. Metadata collection never fails a
// build: a collector error leaves the field empty.
type Builder struct {
	now       func() time.Time
	device    DeviceInfoFunc
	address   AddressFunc
	userAgent string
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

// WithDeviceInfo overrides device metadata collection.
func WithDeviceInfo(fn DeviceInfoFunc) BuilderOption {
	return func(b *Builder) { b.device = fn }
}

// WithAddress overrides network address collection.
func WithAddress(fn AddressFunc) BuilderOption {
	return func(b *Builder) { b.address = fn }
}

// NewBuilder returns a builder that stamps entries with userAgent and
// collects host metadata for deviceID and appVersion.
func NewBuilder(userAgent, deviceID, appVersion string, opts ...BuilderOption) *Builder {
	b := &Builder{
		now:       time.Now,
		device:    HostDeviceInfo(deviceID, appVersion),
		address:   PrimaryAddress,
		userAgent: userAgent,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build returns a new entry with id, timestamp and metadata set. Sequence and
// PreviousDigest are left for the chain. Only id generation and an
// unencodable details value are errors.
func (b *Builder) Build(actorID, action, resource string, opts BuildOptions) (*Entry, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generate entry id: %w", err)
	}

	level := opts.LogLevel
	if level == "" {
		level = LevelInfo
	}
	if !level.Valid() {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	details, err := encodeDetails(opts.Details)
	if err != nil {
		return nil, err
	}

	e := &Entry{
		ID:          id.String(),
		Timestamp:   b.now().UTC().Format(time.RFC3339Nano),
		ActorID:     cleanField(actorID),
		Action:      cleanField(action),
		Resource:    cleanField(resource),
		ResourceID:  cleanField(opts.ResourceID),
		Details:     details,
		UserAgent:   cleanField(b.userAgent),
		LogLevel:    level,
		ContainsPHI: opts.ContainsPHI,
	}

	if b.device != nil {
		if d, err := b.device(); err == nil && d != nil {
			e.Device = d
		}
	}
	if b.address != nil {
		if addr, err := b.address(); err == nil {
			e.SourceAddress = addr
		}
	}
	return e, nil
}

// encodeDetails turns an arbitrary details value into compact JSON. A JSON
// null is treated as no details.
func encodeDetails(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode details: %w", err)
	}
	if string(data) == "null" {
		return nil, nil
	}
	return data, nil
}

func cleanField(s string) string {
	return util.TruncateRunes(strings.ToValidUTF8(s, "\uFFFD"), maxFieldRunes)
}

// =============================================================================
// METADATA COLLECTORS
// =============================================================================

// HostDeviceInfo collects platform metadata from the running process.
func HostDeviceInfo(deviceID, appVersion string) DeviceInfoFunc {
	return func() (*DeviceInfo, error) {
		d := &DeviceInfo{
			DeviceID:   deviceID,
			Platform:   runtime.GOOS,
			Arch:       runtime.GOARCH,
			AppVersion: appVersion,
		}
		if host, err := os.Hostname(); err == nil {
			d.Hostname = host
		}
		return d, nil
	}
}

// PrimaryAddress returns the first non-loopback unicast address of an up
// interface.
func PrimaryAddress() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok || ipn.IP.IsLoopback() || ipn.IP.IsLinkLocalUnicast() {
				continue
			}
			return ipn.IP.String(), nil
		}
	}
	return "", fmt.Errorf("no usable network address")
}
