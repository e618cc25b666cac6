// Package ssh collects running configurations from live devices over SSH.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/PiotrMackowski/ClosedSTIG/internal/collector"
	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/time/rate"
)

const (
	defaultPort      = 22
	defaultTimeout   = 30 * time.Second
	defaultRateLimit = 2.0 // connections per second

	// maxOutputSize caps command output to prevent memory exhaustion.
	maxOutputSize = 10 * 1024 * 1024
)

// ErrOutputTooLarge is returned when a device sends more than MaxOutput bytes.
var ErrOutputTooLarge = fmt.Errorf("command output: %w", collector.ErrTooLarge)

// linuxCommand gathers the files the RedHat parser understands. The FIPS
// and crypto-policy state are emitted as KEY=value lines.
const linuxCommand = `printf 'fips_enabled=%s\n' "$(cat /proc/sys/crypto/fips_enabled 2>/dev/null)"; ` +
	`printf 'crypto_policy=%s\n' "$(update-crypto-policies --show 2>/dev/null)"; ` +
	`printf 'HOSTNAME=%s\n' "$(hostname)"; ` +
	`cat /etc/selinux/config /etc/login.defs /etc/ssh/sshd_config /etc/chrony.conf /etc/resolv.conf /etc/rsyslog.conf 2>/dev/null`

var commands = map[parser.Platform]string{
	parser.AristaEOS:    "show running-config",
	parser.ArubaCX:      "show running-config",
	parser.Mellanox:     "show running-config",
	parser.CiscoIOS:     "show running-config",
	parser.CiscoNXOS:    "show running-config",
	parser.JuniperJunOS: "show configuration | no-more",
	parser.JuniperSRX:   "show configuration | no-more",
	parser.PfSense:      "cat /cf/conf/config.xml",
	parser.RedHat:       linuxCommand,
	parser.Linux:        linuxCommand,
}

// Command returns the command that prints the configuration of platform.
func Command(p parser.Platform) string {
	if c, ok := commands[p]; ok {
		return c
	}
	return "show running-config"
}

// Config holds the credentials and limits for live collection.
type Config struct {
	Username       string
	Password       string
	PrivateKeyPath string
	// KnownHostsPath verifies device host keys. Required unless
	// InsecureIgnoreHostKey or HostKeyCallback is set.
	KnownHostsPath        string
	InsecureIgnoreHostKey bool
	HostKeyCallback       ssh.HostKeyCallback
	Port                  int
	// Timeout bounds dial, handshake and command together.
	Timeout time.Duration
	// RateLimit is the max new connections per second.
	RateLimit float64
	MaxOutput int64
}

// Collector runs the platform command over SSH and returns its output.
type Collector struct {
	cfg         Config
	auth        []ssh.AuthMethod
	hostKey     ssh.HostKeyCallback
	rateLimiter *rate.Limiter
	dialer      net.Dialer
	logger      *logrus.Logger
}

// New validates cfg and creates a Collector.
func New(cfg Config, logger *logrus.Logger) (*Collector, error) {
	if cfg.Username == "" {
		return nil, fmt.Errorf("ssh username is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = maxOutputSize
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	var auth []ssh.AuthMethod
	if cfg.PrivateKeyPath != "" {
		key, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil && cfg.Password != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(cfg.Password))
		}
		if err != nil {
			return nil, fmt.Errorf("parsing private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no authentication method provided (password or private key required)")
	}

	hostKey := cfg.HostKeyCallback
	switch {
	case hostKey != nil:
	case cfg.KnownHostsPath != "":
		cb, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts: %w", err)
		}
		hostKey = cb
	case cfg.InsecureIgnoreHostKey:
		logger.Warn("SSH host key verification is disabled")
		hostKey = ssh.InsecureIgnoreHostKey()
	default:
		return nil, fmt.Errorf("known_hosts_path is required unless host key checking is disabled")
	}

	return &Collector{
		cfg:         cfg,
		auth:        auth,
		hostKey:     hostKey,
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		logger:      logger,
	}, nil
}

// Name implements collector.Collector.
func (c *Collector) Name() string { return "ssh" }

// Collect connects to req.Host and runs the configuration command for
// req.Platform. Everything, including waiting for the rate limiter, happens
// within the configured timeout.
func (c *Collector) Collect(ctx context.Context, req collector.Request) (*collector.Snapshot, error) {
	if req.Host == "" {
		return nil, collector.ErrNoSource
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	port := req.Port
	if port <= 0 {
		port = c.cfg.Port
	}
	user := req.Username
	if user == "" {
		user = c.cfg.Username
	}
	addr := net.JoinHostPort(req.Host, strconv.Itoa(port))
	command := Command(req.Platform)

	log := c.logger.WithFields(logrus.Fields{
		"host":     req.Host,
		"port":     port,
		"username": user,
		"platform": req.Platform,
	})
	log.Debug("Collecting configuration over SSH")

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            user,
		Auth:            c.auth,
		HostKeyCallback: c.hostKey,
		Timeout:         c.cfg.Timeout,
	})
	if err != nil {
		if ctx.Err() == nil {
			err = fmt.Errorf("%w: %w", collector.ErrHandshake, err)
		}
		return nil, c.wrap(ctx, "ssh handshake", err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, c.wrap(ctx, "opening session", err)
	}
	defer session.Close()

	stdout := &limitedBuffer{limit: c.cfg.MaxOutput}
	var stderr bytes.Buffer
	session.Stdout = stdout
	session.Stderr = &stderr

	err = session.Run(command)
	if stdout.exceeded {
		return nil, fmt.Errorf("%w: more than %d bytes from %s", ErrOutputTooLarge, c.cfg.MaxOutput, req.Host)
	}
	var exitErr *ssh.ExitError
	switch {
	case errors.As(err, &exitErr) && stdout.buf.Len() > 0:
		// Composite commands exit non-zero when an optional file is missing.
		log.WithField("exit_status", exitErr.ExitStatus()).Debug("Command exited non-zero with output")
	case err != nil:
		return nil, c.wrap(ctx, "running command", err)
	}

	snap := collector.NewSnapshot(req.Platform, req.Host, c.Name())
	snap.Content = stdout.buf.String()
	snap.Metadata["command"] = command
	snap.Metadata["port"] = strconv.Itoa(port)
	log.WithField("bytes", stdout.buf.Len()).Info("Configuration collected")
	return snap, nil
}

// wrap prefers the context error so that timeouts read as timeouts rather
// than as a closed connection.
func (c *Collector) wrap(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// limitedBuffer keeps at most limit bytes and fails the write after that.
type limitedBuffer struct {
	buf      bytes.Buffer
	limit    int64
	exceeded bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if int64(b.buf.Len()+len(p)) > b.limit {
		b.exceeded = true
		return 0, ErrOutputTooLarge
	}
	return b.buf.Write(p)
}
