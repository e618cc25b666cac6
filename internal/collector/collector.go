// Package collector defines how device configurations are fetched for an
// audit, either from a file on disk or from the live device.
package collector

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
	"github.com/PiotrMackowski/ClosedSTIG/internal/safexml"
)

// DefaultMaxSize caps a collected configuration when nothing else is set.
const DefaultMaxSize int64 = 10 * 1024 * 1024

var (
	// ErrNoSource is returned when a request names neither a file nor a host.
	ErrNoSource = errors.New("target has no config path or address")
	// ErrTooLarge is wrapped by collectors that stop reading at a size cap.
	ErrTooLarge = errors.New("configuration exceeds size limit")
	// ErrHandshake is wrapped when the device rejects the credentials or
	// presents an unexpected host key.
	ErrHandshake = errors.New("handshake rejected")
)

// Describe reduces a collection error to the kind of failure. The result
// never carries paths, addresses or library text, so it can be stored with
// audit results; the full error belongs in the log.
func Describe(err error) string {
	var netErr net.Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoSource):
		return "no configuration source"
	case errors.Is(err, ErrTooLarge), errors.Is(err, safexml.ErrTooLarge):
		return "configuration exceeds size limit"
	case errors.Is(err, ErrHandshake):
		return "authentication failed"
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return "connection timed out"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection refused"
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return "configuration source unreadable"
	case errors.As(err, new(*net.OpError)), errors.As(err, new(*net.DNSError)):
		return "host unreachable"
	default:
		return "collection failed"
	}
}

// Snapshot is one point-in-time copy of a device configuration.
type Snapshot struct {
	// Platform is the platform the content was collected for.
	Platform parser.Platform `json:"platform"`
	// Source is the file path or host the content came from.
	Source string `json:"source"`
	// Content is the raw configuration text.
	Content string `json:"-"`
	// CollectedAt is when the snapshot was taken.
	CollectedAt time.Time `json:"collected_at"`
	// CollectedBy identifies the collector method.
	CollectedBy string `json:"collected_by"`
	// Metadata holds collector-specific details such as the command run.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewSnapshot creates a snapshot stamped with the current time.
func NewSnapshot(platform parser.Platform, source, method string) *Snapshot {
	return &Snapshot{
		Platform:    platform,
		Source:      source,
		CollectedAt: time.Now().UTC(),
		CollectedBy: method,
		Metadata:    make(map[string]string),
	}
}

// Request describes the device to collect from.
type Request struct {
	Platform   parser.Platform
	Host       string
	Port       int
	Username   string
	ConfigPath string
}

// Collector fetches a configuration. Implementations must honour ctx and
// return an error, never a partial snapshot, on timeout or refusal.
type Collector interface {
	// Name returns the collection method (e.g. "file", "ssh").
	Name() string
	// Collect fetches the configuration described by req.
	Collect(ctx context.Context, req Request) (*Snapshot, error)
}

// FileCollector reads configurations stored on local disk.
type FileCollector struct {
	MaxSize int64
}

// Name implements Collector.
func (FileCollector) Name() string { return "file" }

// Collect reads req.ConfigPath, refusing files larger than MaxSize.
func (c FileCollector) Collect(ctx context.Context, req Request) (*Snapshot, error) {
	if req.ConfigPath == "" {
		return nil, ErrNoSource
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := c.MaxSize
	if limit <= 0 {
		limit = DefaultMaxSize
	}

	f, err := os.Open(req.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()

	data, err := safexml.ReadLimited(f, limit)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	snap := NewSnapshot(req.Platform, req.ConfigPath, c.Name())
	snap.Content = string(data)
	return snap, nil
}

// Auto picks the file collector when the request carries a config path and
// the live collector otherwise.
type Auto struct {
	File Collector
	Live Collector
}

// Name implements Collector.
func (Auto) Name() string { return "auto" }

// Collect implements Collector.
func (a Auto) Collect(ctx context.Context, req Request) (*Snapshot, error) {
	switch {
	case req.ConfigPath != "" && a.File != nil:
		return a.File.Collect(ctx, req)
	case req.Host != "" && a.Live != nil:
		return a.Live.Collect(ctx, req)
	default:
		return nil, ErrNoSource
	}
}
