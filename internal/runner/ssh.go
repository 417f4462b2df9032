package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/kriansa/vaultctl/internal/log"
)

const sshDialTimeout = 15 * time.Second

// SSHRunner implements Runner by executing command lines on a remote host.
// The remote login shell interprets the command line.
type SSHRunner struct {
	addr   string
	config *ssh.ClientConfig
}

// SSHOptions describes how to reach the remote host
type SSHOptions struct {
	// Host is host or host:port; port 22 is assumed when missing
	Host string
	// User is the remote login name
	User string
	// IdentityFile is the private key used for authentication
	IdentityFile string
	// KnownHosts is the known_hosts file used to verify the host key
	KnownHosts string
}

// NewSSHRunner creates a runner for the remote host described by opts
func NewSSHRunner(opts SSHOptions) (*SSHRunner, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("ssh host is required")
	}

	key, err := os.ReadFile(opts.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}

	hostKeyCallback, err := knownhosts.New(opts.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}

	return &SSHRunner{
		addr: sshAddr(opts.Host),
		config: &ssh.ClientConfig{
			User:            opts.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         sshDialTimeout,
		},
	}, nil
}

// sshAddr appends the default SSH port when host carries none
func sshAddr(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, "22")
}

// Run executes the command line in a fresh SSH session
func (r *SSHRunner) Run(ctx context.Context, commandLine string) (Outcome, error) {
	log.Debug("running remote command", "addr", r.addr, "command", commandLine)

	client, err := r.dial(ctx)
	if err != nil {
		return Outcome{}, &SpawnError{Command: commandLine, Err: err}
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Outcome{}, &SpawnError{Command: commandLine, Err: fmt.Errorf("open session: %w", err)}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	// Closing the session unblocks Run once ctx ends
	stop := context.AfterFunc(ctx, func() { session.Close() })
	defer stop()

	err = session.Run(commandLine)
	outcome := Outcome{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		outcome.ExitCode = exitErr.ExitStatus()
	default:
		return outcome, &SpawnError{Command: commandLine, Err: err}
	}

	log.Debug("remote command finished", "command", commandLine, "exit_code", outcome.ExitCode)
	return outcome, nil
}

func (r *SSHRunner) dial(ctx context.Context) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: sshDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", r.addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, r.addr, r.config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", r.addr, err)
	}

	return ssh.NewClient(c, chans, reqs), nil
}
