package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/PiotrMackowski/ClosedSTIG/internal/collector"
	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
	_ "github.com/PiotrMackowski/ClosedSTIG/internal/parser/juniper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// startServer runs an SSH server on loopback that answers every exec
// request with output and records the commands it was given.
func startServer(t *testing.T, output string) (host string, port int, key ssh.PublicKey, commands chan string) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "admin" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	commands = make(chan string, 4)
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(nc, cfg, output, commands)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, signer.PublicKey(), commands
}

func serveConn(nc net.Conn, cfg *ssh.ServerConfig, output string, commands chan<- string) {
	defer nc.Close()
	_, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, creqs, err := nch.Accept()
		if err != nil {
			return
		}
		go func() {
			defer ch.Close()
			for req := range creqs {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				commands <- payload.Command
				_ = req.Reply(true, nil)
				_, _ = io.WriteString(ch, output)
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
				return
			}
		}()
	}
}

func TestCommand(t *testing.T) {
	assert.Equal(t, "show running-config", Command(parser.AristaEOS))
	assert.Equal(t, "show configuration | no-more", Command(parser.JuniperSRX))
	assert.Equal(t, Command(parser.JuniperSRX), Command(parser.JuniperJunOS))
	assert.NotContains(t, Command(parser.JuniperJunOS), "display set")
	assert.True(t, strings.HasPrefix(Command(parser.Linux), `printf 'fips_enabled=`))
	assert.Equal(t, Command(parser.RedHat), Command(parser.Linux))
	assert.Equal(t, "show running-config", Command(parser.Platform("unknown")))
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Password: "x", InsecureIgnoreHostKey: true}, nil)
	assert.ErrorContains(t, err, "username")

	_, err = New(Config{Username: "admin", InsecureIgnoreHostKey: true}, nil)
	assert.ErrorContains(t, err, "authentication")

	_, err = New(Config{Username: "admin", Password: "x"}, nil)
	assert.ErrorContains(t, err, "known_hosts_path")

	_, err = New(Config{Username: "admin", Password: "x", PrivateKeyPath: "/nonexistent/key", InsecureIgnoreHostKey: true}, nil)
	assert.ErrorContains(t, err, "private key")

	c, err := New(Config{Username: "admin", Password: "x", InsecureIgnoreHostKey: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, defaultPort, c.cfg.Port)
	assert.Equal(t, defaultTimeout, c.cfg.Timeout)
}

func TestCollect(t *testing.T) {
	host, port, key, commands := startServer(t, "hostname sw1\nntp server 10.0.0.1\n")
	c, err := New(Config{
		Username:        "admin",
		Password:        "secret",
		HostKeyCallback: ssh.FixedHostKey(key),
		Timeout:         5 * time.Second,
	}, nil)
	require.NoError(t, err)

	snap, err := c.Collect(context.Background(), collector.Request{Platform: parser.AristaEOS, Host: host, Port: port})

	require.NoError(t, err)
	assert.Equal(t, "hostname sw1\nntp server 10.0.0.1\n", snap.Content)
	assert.Equal(t, "ssh", snap.CollectedBy)
	assert.Equal(t, strconv.Itoa(port), snap.Metadata["port"])
	assert.Equal(t, "show running-config", <-commands)
}

func TestCollectJuniperOutputParses(t *testing.T) {
	const running = "system {\n    host-name r1;\n    ntp {\n        server 10.0.0.1;\n    }\n    syslog {\n        host 10.0.0.2 {\n            any any;\n        }\n    }\n}\n"
	host, port, key, commands := startServer(t, running)
	c, err := New(Config{Username: "admin", Password: "secret", HostKeyCallback: ssh.FixedHostKey(key), Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)

	snap, err := c.Collect(context.Background(), collector.Request{Platform: parser.JuniperSRX, Host: host, Port: port})
	require.NoError(t, err)
	assert.Equal(t, "show configuration | no-more", <-commands)

	cfg, err := parser.Parse(snap.Content, parser.JuniperSRX, parser.Options{})
	require.NoError(t, err)
	assert.Equal(t, "r1", cfg.Hostname)
	assert.Equal(t, []string{"10.0.0.1"}, cfg.NTPServers)
	assert.Equal(t, []string{"10.0.0.2"}, cfg.SyslogServers)
}

func TestCollectRejectsBadCredentialsAndHostKey(t *testing.T) {
	host, port, key, _ := startServer(t, "x")
	req := collector.Request{Platform: parser.AristaEOS, Host: host, Port: port}

	c, err := New(Config{Username: "admin", Password: "wrong", HostKeyCallback: ssh.FixedHostKey(key), Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)
	_, err = c.Collect(context.Background(), req)
	assert.ErrorContains(t, err, "ssh handshake")
	assert.ErrorIs(t, err, collector.ErrHandshake)
	assert.Equal(t, "authentication failed", collector.Describe(err))

	_, other, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherSigner, err := ssh.NewSignerFromKey(other)
	require.NoError(t, err)
	c, err = New(Config{Username: "admin", Password: "secret", HostKeyCallback: ssh.FixedHostKey(otherSigner.PublicKey()), Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)
	_, err = c.Collect(context.Background(), req)
	assert.Error(t, err)
}

func TestCollectOutputLimit(t *testing.T) {
	host, port, key, _ := startServer(t, strings.Repeat("x", 4096))
	c, err := New(Config{Username: "admin", Password: "secret", HostKeyCallback: ssh.FixedHostKey(key), Timeout: 5 * time.Second, MaxOutput: 1024}, nil)
	require.NoError(t, err)

	_, err = c.Collect(context.Background(), collector.Request{Host: host, Port: port})
	assert.ErrorIs(t, err, ErrOutputTooLarge)
	assert.Equal(t, "configuration exceeds size limit", collector.Describe(err))
}

func TestCollectUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	c, err := New(Config{Username: "admin", Password: "x", InsecureIgnoreHostKey: true, Timeout: 2 * time.Second}, nil)
	require.NoError(t, err)
	_, err = c.Collect(context.Background(), collector.Request{Host: "127.0.0.1", Port: port})
	assert.ErrorContains(t, err, "connecting to")
	assert.Equal(t, "connection refused", collector.Describe(err))

	_, err = c.Collect(context.Background(), collector.Request{})
	assert.ErrorIs(t, err, collector.ErrNoSource)
}

func TestCollectTimeout(t *testing.T) {
	// A listener that accepts but never speaks SSH.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		var held []net.Conn
		for {
			conn, err := ln.Accept()
			if err != nil {
				for _, c := range held {
					c.Close()
				}
				return
			}
			held = append(held, conn)
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)

	c, err := New(Config{Username: "admin", Password: "x", InsecureIgnoreHostKey: true, Timeout: 200 * time.Millisecond}, nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Collect(context.Background(), collector.Request{Host: "127.0.0.1", Port: addr.Port})
	assert.Error(t, err)
	assert.Equal(t, "connection timed out", collector.Describe(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}
