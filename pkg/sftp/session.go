package sftp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	pkgsftp "github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"digital.vasic.remotefs/pkg/client"
)

// session is the live transport of a connected client: one SSH connection
// and the SFTP channel opened on it.
type session struct {
	ssh  *ssh.Client
	sftp *pkgsftp.Client
}

func (s *session) close() error {
	var result *multierror.Error
	if s.sftp != nil {
		if err := s.sftp.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if s.ssh != nil {
		if err := s.ssh.Close(); err != nil && !isClosedError(err) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func isClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// isAuthFailure reports whether a client handshake failed because every
// authentication method was rejected. x/crypto reports that case with an
// untyped error, so the message is the only signal.
func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "ssh: unable to authenticate")
}

// dialFunc opens a session for the given configuration.
type dialFunc func(ctx context.Context, config *client.RemoteConfig) (*session, error)

// dialSSH connects over TCP, performs the SSH handshake and opens the SFTP
// subsystem.
func (c *Client) dialSSH(ctx context.Context, config *client.RemoteConfig) (*session, error) {
	auth, err := authMethods(config, c.logger)
	if err != nil {
		return nil, err
	}

	hostKeys, err := hostKeyCallback(config)
	if err != nil {
		return nil, err
	}

	timeout := config.EffectiveTimeout()
	sshConfig := &ssh.ClientConfig{
		User:            config.Username,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}

	addr := config.Address()
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, client.ConnectFailure(err, "failed to connect to SFTP server %s", addr)
	}

	// Bound the handshake; the deadline is cleared once the session is up.
	_ = conn.SetDeadline(time.Now().Add(timeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		conn.Close()
		if isAuthFailure(err) {
			return nil, client.WrapError(err, client.KindAuthenticationFailed, "authentication failed for %s@%s", config.Username, addr)
		}
		return nil, client.ConnectFailure(err, "SSH handshake with %s failed", addr)
	}
	_ = conn.SetDeadline(time.Time{})

	sshClient := ssh.NewClient(sshConn, chans, reqs)
	sftpClient, err := pkgsftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, client.WrapError(err, client.KindConnectionFailed, "failed to start SFTP subsystem on %s", addr)
	}

	return &session{ssh: sshClient, sftp: sftpClient}, nil
}

// authMethods returns public-key auth first when a key is configured, then
// password auth. A key that cannot be loaded is skipped when a password is
// available to fall back to.
func authMethods(config *client.RemoteConfig, logger *slog.Logger) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if config.PrivateKeyPath != "" {
		signer, err := loadSigner(config.PrivateKeyPath, config.PrivateKeyPassphrase)
		switch {
		case err == nil:
			methods = append(methods, ssh.PublicKeys(signer))
		case config.HasPassword():
			logger.Warn("private key unusable, falling back to password authentication",
				"key", config.PrivateKeyPath, "error", err)
		default:
			return nil, client.WrapError(err, client.KindAuthenticationFailed, "failed to load private key %s", config.PrivateKeyPath)
		}
	}

	if config.HasPassword() {
		methods = append(methods, ssh.Password(config.PasswordValue()))
	}

	if len(methods) == 0 {
		return nil, client.NewError(client.KindAuthenticationFailed, "no authentication method available for %s", config.Host)
	}
	return methods, nil
}

func loadSigner(path, passphrase string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	}
	return ssh.ParsePrivateKey(data)
}

// hostKeyCallback verifies against the known_hosts option when set and
// accepts any host key otherwise.
func hostKeyCallback(config *client.RemoteConfig) (ssh.HostKeyCallback, error) {
	path := config.Option("known_hosts", "")
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, client.WrapError(err, client.KindConnectionFailed, "failed to load known hosts %s", path)
	}
	return callback, nil
}
