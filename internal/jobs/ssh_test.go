package jobs_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/nixpig/ocrdmonitor/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// sshServer is a minimal SSH server answering every exec request with a
// fixed output and exit status.
type sshServer struct {
	listener net.Listener
	config   *ssh.ServerConfig

	output     string
	exitStatus uint32

	mu       sync.Mutex
	commands []string
}

func newSSHServer(t *testing.T, authorized ssh.PublicKey, output string, exitStatus uint32) *sshServer {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	hostSigner, err := ssh.NewSignerFromKey(hostKey)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == string(authorized.Marshal()) && conn.User() == "ocrd" {
				return nil, nil
			}

			return nil, assert.AnError
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &sshServer{
		listener:   listener,
		config:     config,
		output:     output,
		exitStatus: exitStatus,
	}

	go s.serve()

	t.Cleanup(func() { listener.Close() })

	return s
}

func (s *sshServer) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *sshServer) executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.commands...)
}

func (s *sshServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		go s.handle(conn)
	}
}

func (s *sshServer) handle(conn net.Conn) {
	defer conn.Close()

	_, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			return
		}

		go s.session(channel, requests)
	}
}

func (s *sshServer) session(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		if req.Type != "exec" {
			req.Reply(false, nil)
			continue
		}

		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			return
		}

		s.mu.Lock()
		s.commands = append(s.commands, payload.Command)
		s.mu.Unlock()

		req.Reply(true, nil)

		channel.Write([]byte(s.output))

		status := make([]byte, 4)
		binary.BigEndian.PutUint32(status, s.exitStatus)
		channel.SendRequest("exit-status", false, status)

		return
	}
}

func writeClientKey(t *testing.T) (string, ssh.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	block, err := ssh.MarshalPrivateKey(priv, "ocrdmonitor test")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0600))

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	return path, sshPub
}

func TestSSHProcessQuery(t *testing.T) {
	keyFile, pub := writeClientKey(t)

	t.Run("Test runs ps for the group", func(t *testing.T) {
		server := newSSHServer(t, pub, psOutput, 0)

		query, err := jobs.NewSSHProcessQuery(jobs.SSHConfig{
			Host:    "127.0.0.1",
			Port:    server.port(),
			User:    "ocrd",
			KeyFile: keyFile,
		})
		require.NoError(t, err)

		got, err := query.ProcessStatus(context.Background(), 20)
		require.NoError(t, err)

		require.Len(t, got, 3)
		assert.Equal(t, 20, got[1].PID)
		assert.Equal(t, []string{jobs.PSCommandFor(20)}, server.executed())
	})

	t.Run("Test failing ps yields no statuses", func(t *testing.T) {
		server := newSSHServer(t, pub, "", 1)

		query, err := jobs.NewSSHProcessQuery(jobs.SSHConfig{
			Host:    "127.0.0.1",
			Port:    server.port(),
			User:    "ocrd",
			KeyFile: keyFile,
		})
		require.NoError(t, err)

		got, err := query.ProcessStatus(context.Background(), 20)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("Test rejected key", func(t *testing.T) {
		otherKey, _ := writeClientKey(t)
		server := newSSHServer(t, pub, psOutput, 0)

		query, err := jobs.NewSSHProcessQuery(jobs.SSHConfig{
			Host:    "127.0.0.1",
			Port:    server.port(),
			User:    "ocrd",
			KeyFile: otherKey,
		})
		require.NoError(t, err)

		_, err = query.ProcessStatus(context.Background(), 20)
		assert.Error(t, err)
	})

	t.Run("Test missing key file", func(t *testing.T) {
		_, err := jobs.NewSSHProcessQuery(jobs.SSHConfig{
			Host:    "127.0.0.1",
			Port:    22,
			KeyFile: filepath.Join(t.TempDir(), "missing"),
		})
		assert.Error(t, err)
	})

	t.Run("Test unreachable host", func(t *testing.T) {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := listener.Addr().(*net.TCPAddr).Port
		listener.Close()

		query, err := jobs.NewSSHProcessQuery(jobs.SSHConfig{
			Host:    "127.0.0.1",
			Port:    port,
			User:    "ocrd",
			KeyFile: keyFile,
		})
		require.NoError(t, err)

		_, err = query.ProcessStatus(context.Background(), 20)
		assert.ErrorContains(t, err, "dial 127.0.0.1:"+strconv.Itoa(port))
	})
}
