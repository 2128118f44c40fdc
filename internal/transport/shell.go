package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ShellConfig configures the SSH client.
type ShellConfig struct {
	Host     string
	Port     int
	User     string
	KeyPath  string
	Password string
	// Optional known_hosts file. Without it host keys are not verified.
	KnownHostsPath string
}

// Shell runs commands on the hub host over SSH, one connection per command.
type Shell struct {
	addr   string
	config *ssh.ClientConfig
}

// NewShell builds the SSH client configuration. Auth is tried in order:
// private key file, password, then the agent at SSH_AUTH_SOCK.
func NewShell(cfg ShellConfig) (*Shell, error) {
	if cfg.Host == "" {
		return nil, errors.New("ssh host not configured (HA_SSH_HOST)")
	}
	if cfg.User == "" {
		return nil, errors.New("ssh user not configured (HA_SSH_USER)")
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}

	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}

	hostKey := ssh.InsecureIgnoreHostKey() //nolint:gosec // hub hosts on a local network rarely have managed host keys
	if cfg.KnownHostsPath != "" {
		hostKey, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
	}

	return &Shell{
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: hostKey,
			Timeout:         DefaultTimeout,
		},
	}, nil
}

func authMethods(cfg ShellConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if cfg.KeyPath != "" {
		key, err := os.ReadFile(expandHome(cfg.KeyPath))
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			if conn, err := net.Dial("unix", sock); err == nil {
				methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			}
		}
	}
	if len(methods) == 0 {
		return nil, errors.New("no ssh credentials: set HA_SSH_KEY_PATH, HA_SSH_PASSWORD or run an ssh-agent")
	}
	return methods, nil
}

func expandHome(path string) string {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return home + "/" + rest
		}
	}
	return path
}

// Execute runs req.Command. A non-zero exit status is a successful outcome
// carrying ExitStatus; only connection problems are failures.
func (s *Shell) Execute(ctx context.Context, req Request) (Response, error) {
	if req.Command == "" {
		return Response{}, permanent(ChannelShell, errors.New("missing command"))
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return Response{}, s.ioFailure(ctx, "connect", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, s.addr, s.config)
	if err != nil {
		conn.Close()
		return Response{}, s.handshakeFailure(ctx, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Response{}, s.ioFailure(ctx, "open session", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(req.Command) }()

	select {
	case <-ctx.Done():
		client.Close()
		return Response{}, transient(ChannelShell, fmt.Errorf("command timeout: %w", ctx.Err()))
	case err = <-done:
	}

	resp := Response{Body: stdout.Bytes(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			resp.ExitStatus = exitErr.ExitStatus()
			return resp, nil
		}
		return Response{}, s.ioFailure(ctx, "run command", err)
	}
	return resp, nil
}

func (s *Shell) handshakeFailure(ctx context.Context, err error) *Failure {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return permanent(ChannelShell, fmt.Errorf("host key verification failed: %w", err))
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return permanent(ChannelShell, fmt.Errorf("ssh authentication failed: %w", err))
	}
	return s.ioFailure(ctx, "handshake", err)
}

func (s *Shell) ioFailure(ctx context.Context, op string, err error) *Failure {
	if ctx.Err() != nil {
		return transient(ChannelShell, fmt.Errorf("%s %s: timeout: %w", op, s.addr, ctx.Err()))
	}
	return transient(ChannelShell, fmt.Errorf("%s %s: %w", op, s.addr, err))
}
