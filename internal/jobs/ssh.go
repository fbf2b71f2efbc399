package jobs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHConfig locates the controller host running the jobs.
type SSHConfig struct {
	Host    string
	Port    int
	User    string
	KeyFile string
	Timeout time.Duration
}

// SSHProcessQuery runs ps on the controller host over SSH. The host key is
// not verified.
type SSHProcessQuery struct {
	addr   string
	config *ssh.ClientConfig
}

// NewSSHProcessQuery reads the private key in config.KeyFile.
func NewSSHProcessQuery(config SSHConfig) (*SSHProcessQuery, error) {
	key, err := os.ReadFile(config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}

	port := config.Port
	if port == 0 {
		port = 22
	}

	timeout := config.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &SSHProcessQuery{
		addr: net.JoinHostPort(config.Host, strconv.Itoa(port)),
		config: &ssh.ClientConfig{
			User:            config.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         timeout,
		},
	}, nil
}

// ProcessStatus returns the status of every process in the process group.
// A failing ps yields no statuses, like its error output does.
func (q *SSHProcessQuery) ProcessStatus(ctx context.Context, group int) ([]ProcessStatus, error) {
	dialer := net.Dialer{Timeout: q.config.Timeout}

	conn, err := dialer.DialContext(ctx, "tcp", q.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", q.addr, err)
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, chans, reqs, err := ssh.NewClientConn(conn, q.addr, q.config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", q.addr, err)
	}

	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	out, err := session.Output(PSCommandFor(group))
	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run ps on %s: %w", q.addr, err)
		}
	}

	return ParseProcessStatus(string(out))
}
