// Package sftp implements the remote filesystem client for SFTP over SSH.
package sftp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strconv"

	pkgsftp "github.com/pkg/sftp"

	"digital.vasic.remotefs/pkg/client"
	"digital.vasic.remotefs/pkg/local"
)

// Client implements client.Client for SFTP.
type Client struct {
	config  *client.RemoteConfig
	logger  *slog.Logger
	dial    dialFunc
	status  client.ConnectionStatus
	session *session
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for connection and operation events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = client.LoggerOrNop(logger)
	}
}

// NewSFTPClient creates a new SFTP client. No network I/O happens until
// Connect or the first operation.
func NewSFTPClient(config *client.RemoteConfig, opts ...Option) *Client {
	c := &Client{
		config: config,
		logger: client.NopLogger(),
		status: client.Disconnected(),
	}
	c.dial = c.dialSSH
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes the SSH connection and opens the SFTP channel. It is
// a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	if c.session != nil && c.status.IsConnected() {
		return nil
	}
	c.dropSession()

	c.status = client.Connecting()
	c.logger.Info("connecting", "protocol", client.ProtocolSFTP, "host", c.config.Host, "port", c.config.EffectivePort(), "user", c.config.Username)

	sess, err := c.dial(ctx, c.config)
	if err != nil {
		c.status = client.Failed(err.Error())
		c.logger.Warn("connection failed", "host", c.config.Host, "error", err)
		return err
	}

	c.session = sess
	c.status = client.Connected()
	c.logger.Info("connected", "host", c.config.Host)
	return nil
}

// Disconnect closes the SFTP channel and the SSH connection.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.session == nil {
		c.status = client.Disconnected()
		return nil
	}
	err := c.session.close()
	c.session = nil
	c.status = client.Disconnected()
	c.logger.Info("disconnected", "host", c.config.Host)
	if err != nil {
		return client.WrapError(err, client.KindNetwork, "failed to close SFTP connection to %s", c.config.Host)
	}
	return nil
}

// Status returns the current connection status.
func (c *Client) Status() client.ConnectionStatus {
	return c.status
}

// TestConnection connects if needed and issues a lightweight request.
func (c *Client) TestConnection(ctx context.Context) error {
	sc, err := c.sftpClient(ctx)
	if err != nil {
		return err
	}
	if _, err := sc.Getwd(); err != nil {
		return c.wrap(err, client.KindConnectionFailed, "SFTP connection test against %s failed", c.config.Host)
	}
	return nil
}

// sftpClient is the single accessor for the live session, connecting on
// demand.
func (c *Client) sftpClient(ctx context.Context) (*pkgsftp.Client, error) {
	if c.session == nil || !c.status.IsConnected() {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}
	return c.session.sftp, nil
}

func (c *Client) dropSession() {
	if c.session != nil {
		_ = c.session.close()
		c.session = nil
	}
}

// resolvePath resolves a path against the configured base path.
func (c *Client) resolvePath(p string) string {
	return client.JoinPath(c.config.BasePath, p)
}

// wrap converts an SFTP failure into the shared taxonomy. A lost connection
// marks the session failed so the next operation reconnects.
func (c *Client) wrap(err error, fallback client.ErrorKind, format string, args ...interface{}) error {
	kind := classify(err, fallback)
	if kind == client.KindNetwork {
		c.markBroken(err)
	}
	return client.WrapError(err, kind, format, args...)
}

func (c *Client) markBroken(err error) {
	c.logger.Warn("connection lost", "host", c.config.Host, "error", err)
	c.dropSession()
	c.status = client.Failed(err.Error())
}

func classify(err error, fallback client.ErrorKind) client.ErrorKind {
	if errors.Is(err, pkgsftp.ErrSSHFxConnectionLost) || errors.Is(err, pkgsftp.ErrSSHFxNoConnection) {
		return client.KindNetwork
	}
	var statusErr *pkgsftp.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.FxCode() {
		case pkgsftp.ErrSSHFxNoSuchFile:
			return client.KindFileNotFound
		case pkgsftp.ErrSSHFxPermissionDenied:
			return client.KindPermissionDenied
		case pkgsftp.ErrSSHFxNoConnection, pkgsftp.ErrSSHFxConnectionLost:
			return client.KindNetwork
		}
		return fallback
	}
	return client.ClassifyNetError(err, fallback)
}

// toFileInfo maps SSH file attributes into a FileInfo.
func toFileInfo(name, fullPath string, fi os.FileInfo) *client.FileInfo {
	fileType := client.FileTypeFile
	switch {
	case fi.IsDir():
		fileType = client.FileTypeDirectory
	case fi.Mode()&os.ModeSymlink != 0:
		fileType = client.FileTypeSymlink
	case !fi.Mode().IsRegular():
		fileType = client.FileTypeOther
	}

	info := client.NewFileInfo(name, fullPath, fileType, fi.Size())
	info.ModTime = client.TimePtr(fi.ModTime())

	if stat, ok := fi.Sys().(*pkgsftp.FileStat); ok {
		info.Permissions = client.PermissionsFromMode(stat.Mode)
		info.Owner = strconv.FormatUint(uint64(stat.UID), 10)
		info.Group = strconv.FormatUint(uint64(stat.GID), 10)
	} else {
		info.Permissions = client.PermissionsFromMode(uint32(fi.Mode().Perm()))
	}
	return info
}

// ListDirectory lists the entries of a remote directory.
func (c *Client) ListDirectory(ctx context.Context, path string) ([]*client.FileInfo, error) {
	sc, err := c.sftpClient(ctx)
	if err != nil {
		return nil, err
	}
	fullPath := c.resolvePath(path)
	c.logger.Debug("list directory", "path", fullPath)

	entries, err := sc.ReadDir(fullPath)
	if err != nil {
		return nil, c.wrap(err, client.KindProtocol, "failed to list SFTP directory %s", fullPath)
	}

	files := make([]*client.FileInfo, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if name == "." || name == ".." {
			continue
		}
		files = append(files, toFileInfo(name, client.JoinPath(fullPath, name), entry))
	}
	return files, nil
}

// GetFileInfo returns the attributes of a single remote entry. Symlinks are
// reported as such rather than followed.
func (c *Client) GetFileInfo(ctx context.Context, path string) (*client.FileInfo, error) {
	sc, err := c.sftpClient(ctx)
	if err != nil {
		return nil, err
	}
	fullPath := c.resolvePath(path)

	fi, err := sc.Lstat(fullPath)
	if err != nil {
		return nil, c.wrap(err, client.KindProtocol, "failed to stat SFTP path %s", fullPath)
	}
	return toFileInfo(client.BaseName(fullPath), fullPath, fi), nil
}

// Exists reports whether the remote path exists.
func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	_, err := c.GetFileInfo(ctx, path)
	if err == nil {
		return true, nil
	}
	if client.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// CreateDirectory creates a remote directory. With recursive set, missing
// parents are created and an existing directory is not an error.
func (c *Client) CreateDirectory(ctx context.Context, path string, recursive bool) error {
	sc, err := c.sftpClient(ctx)
	if err != nil {
		return err
	}
	fullPath := c.resolvePath(path)

	if recursive {
		return c.mkdirAll(sc, fullPath)
	}

	if _, err := sc.Stat(fullPath); err == nil {
		return client.NewError(client.KindProtocol, "SFTP directory %s already exists", fullPath)
	}
	if err := sc.Mkdir(fullPath); err != nil {
		return c.wrap(err, client.KindProtocol, "failed to create SFTP directory %s", fullPath)
	}
	return nil
}

func (c *Client) mkdirAll(sc *pkgsftp.Client, fullPath string) error {
	for _, component := range client.SplitComponents(fullPath) {
		fi, err := sc.Stat(component)
		if err == nil {
			if !fi.IsDir() {
				return client.NewError(client.KindProtocol, "SFTP path %s exists and is not a directory", component)
			}
			continue
		}
		if classify(err, client.KindProtocol) != client.KindFileNotFound {
			return c.wrap(err, client.KindProtocol, "failed to stat SFTP path %s", component)
		}
		c.logger.Debug("create directory", "path", component)
		if err := sc.Mkdir(component); err != nil {
			return c.wrap(err, client.KindProtocol, "failed to create SFTP directory %s", component)
		}
	}
	return nil
}

// Remove deletes a remote file or directory. Directories are removed
// depth-first when recursive is set; a failure partway leaves the entries
// already deleted removed.
func (c *Client) Remove(ctx context.Context, path string, recursive bool) error {
	sc, err := c.sftpClient(ctx)
	if err != nil {
		return err
	}
	fullPath := c.resolvePath(path)

	fi, err := sc.Lstat(fullPath)
	if err != nil {
		return c.wrap(err, client.KindProtocol, "failed to stat SFTP path %s", fullPath)
	}
	if !fi.IsDir() {
		if err := sc.Remove(fullPath); err != nil {
			return c.wrap(err, client.KindProtocol, "failed to remove SFTP file %s", fullPath)
		}
		return nil
	}
	if recursive {
		return c.removeTree(ctx, sc, fullPath)
	}
	if err := sc.RemoveDirectory(fullPath); err != nil {
		return c.wrap(err, client.KindProtocol, "failed to remove SFTP directory %s", fullPath)
	}
	return nil
}

func (c *Client) removeTree(ctx context.Context, sc *pkgsftp.Client, dir string) error {
	if err := ctx.Err(); err != nil {
		return client.WrapError(err, client.KindTimeout, "removal of %s interrupted", dir)
	}

	entries, err := sc.ReadDir(dir)
	if err != nil {
		return c.wrap(err, client.KindProtocol, "failed to list SFTP directory %s", dir)
	}
	for _, entry := range entries {
		name := entry.Name()
		if name == "." || name == ".." {
			continue
		}
		child := client.JoinPath(dir, name)
		if entry.IsDir() {
			if err := c.removeTree(ctx, sc, child); err != nil {
				return err
			}
			continue
		}
		c.logger.Debug("remove file", "path", child)
		if err := sc.Remove(child); err != nil {
			return c.wrap(err, client.KindProtocol, "failed to remove SFTP file %s", child)
		}
	}

	c.logger.Debug("remove directory", "path", dir)
	if err := sc.RemoveDirectory(dir); err != nil {
		return c.wrap(err, client.KindProtocol, "failed to remove SFTP directory %s", dir)
	}
	return nil
}

// Rename moves a remote entry.
func (c *Client) Rename(ctx context.Context, from, to string) error {
	sc, err := c.sftpClient(ctx)
	if err != nil {
		return err
	}
	fromPath := c.resolvePath(from)
	toPath := c.resolvePath(to)

	if err := sc.Rename(fromPath, toPath); err != nil {
		return c.wrap(err, client.KindProtocol, "failed to rename SFTP path %s to %s", fromPath, toPath)
	}
	return nil
}

// Download copies a remote file to localPath. An existing local file is
// replaced with Overwrite set. Otherwise, with Resume set and a local file
// shorter than the remote one, only the missing tail is fetched.
func (c *Client) Download(ctx context.Context, remotePath, localPath string, opts client.TransferOptions, progress client.ProgressFunc) error {
	sc, err := c.sftpClient(ctx)
	if err != nil {
		return err
	}
	fullPath := c.resolvePath(remotePath)

	fi, err := sc.Stat(fullPath)
	if err != nil {
		return c.wrap(err, client.KindTransferFailed, "failed to stat SFTP file %s", fullPath)
	}
	if fi.IsDir() {
		return client.NewError(client.KindTransferFailed, "SFTP path %s is a directory", fullPath)
	}
	total := fi.Size()

	dst, err := local.CreateDestination(localPath, opts.Overwrite, opts.Resume, total)
	if err != nil {
		return err
	}
	defer dst.File.Close()

	src, err := sc.Open(fullPath)
	if err != nil {
		return c.wrap(err, client.KindTransferFailed, "failed to open SFTP file %s", fullPath)
	}
	defer src.Close()

	if dst.Offset > 0 {
		c.logger.Debug("resuming download", "path", fullPath, "offset", dst.Offset)
		if _, err := src.Seek(dst.Offset, io.SeekStart); err != nil {
			return c.wrap(err, client.KindTransferFailed, "failed to seek SFTP file %s", fullPath)
		}
	}

	c.logger.Debug("download", "remote", fullPath, "local", localPath, "size", total)
	if _, err := client.CopyWithProgress(ctx, dst, src, opts.ChunkSize(), dst.Offset, total, progress); err != nil {
		if kind := classify(err, client.KindTransferFailed); kind == client.KindNetwork {
			c.markBroken(err)
		}
		return client.WrapCopyError(err, client.KindTransferFailed, client.KindIO, "failed to download %s to %s", fullPath, localPath)
	}
	if err := dst.Close(); err != nil {
		return err
	}

	if opts.PreserveTimestamps {
		if err := local.SetModTime(localPath, fi.ModTime()); err != nil {
			return err
		}
	}
	if opts.PreservePermissions {
		if err := local.SetMode(localPath, fi.Mode()); err != nil {
			return err
		}
	}
	return nil
}

// Upload copies localPath to a remote file. An existing remote file is
// replaced with Overwrite set. Otherwise it is appended to with Resume set
// when it is shorter than the local file, and rejected in every other case.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string, opts client.TransferOptions, progress client.ProgressFunc) error {
	sc, err := c.sftpClient(ctx)
	if err != nil {
		return err
	}
	fullPath := c.resolvePath(remotePath)

	src, err := local.OpenSource(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	var offset int64
	remote, statErr := sc.Stat(fullPath)
	switch {
	case statErr == nil && remote.IsDir():
		return client.NewError(client.KindTransferFailed, "SFTP path %s is a directory", fullPath)
	case statErr == nil && !opts.Overwrite && opts.Resume && remote.Size() > 0 && remote.Size() < src.Size:
		offset = remote.Size()
	case statErr == nil && !opts.Overwrite:
		return client.NewError(client.KindTransferFailed, "SFTP file %s already exists", fullPath)
	case statErr != nil && classify(statErr, client.KindProtocol) != client.KindFileNotFound:
		return c.wrap(statErr, client.KindTransferFailed, "failed to stat SFTP file %s", fullPath)
	}

	var dst *pkgsftp.File
	if offset > 0 {
		c.logger.Debug("resuming upload", "path", fullPath, "offset", offset)
		dst, err = sc.OpenFile(fullPath, os.O_WRONLY)
		if err == nil {
			_, err = dst.Seek(offset, io.SeekStart)
		}
		if err == nil {
			err = src.SeekTo(offset)
		}
	} else {
		dst, err = sc.Create(fullPath)
	}
	if err != nil {
		if dst != nil {
			dst.Close()
		}
		return c.wrap(err, client.KindTransferFailed, "failed to open SFTP file %s for writing", fullPath)
	}

	c.logger.Debug("upload", "local", localPath, "remote", fullPath, "size", src.Size)
	if _, err := client.CopyWithProgress(ctx, dst, src, opts.ChunkSize(), offset, src.Size, progress); err != nil {
		dst.Close()
		if kind := classify(err, client.KindTransferFailed); kind == client.KindNetwork {
			c.markBroken(err)
		}
		return client.WrapCopyError(err, client.KindIO, client.KindTransferFailed, "failed to upload %s to %s", localPath, fullPath)
	}
	if err := dst.Close(); err != nil {
		return c.wrap(err, client.KindTransferFailed, "failed to finish SFTP upload to %s", fullPath)
	}

	if opts.PreserveTimestamps {
		if err := sc.Chtimes(fullPath, src.ModTime, src.ModTime); err != nil {
			return c.wrap(err, client.KindProtocol, "failed to set modification time on %s", fullPath)
		}
	}
	if opts.PreservePermissions {
		if err := sc.Chmod(fullPath, src.Mode.Perm()); err != nil {
			return c.wrap(err, client.KindProtocol, "failed to set permissions on %s", fullPath)
		}
	}
	return nil
}

// ReadFile returns the whole content of a remote file.
func (c *Client) ReadFile(ctx context.Context, path string) ([]byte, error) {
	sc, err := c.sftpClient(ctx)
	if err != nil {
		return nil, err
	}
	fullPath := c.resolvePath(path)

	f, err := sc.Open(fullPath)
	if err != nil {
		return nil, c.wrap(err, client.KindTransferFailed, "failed to open SFTP file %s", fullPath)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, c.wrap(err, client.KindTransferFailed, "failed to read SFTP file %s", fullPath)
	}
	return data, nil
}

// WriteFile creates or truncates a remote file with data.
func (c *Client) WriteFile(ctx context.Context, path string, data []byte) error {
	sc, err := c.sftpClient(ctx)
	if err != nil {
		return err
	}
	fullPath := c.resolvePath(path)

	f, err := sc.Create(fullPath)
	if err != nil {
		return c.wrap(err, client.KindTransferFailed, "failed to create SFTP file %s", fullPath)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return c.wrap(err, client.KindTransferFailed, "failed to write SFTP file %s", fullPath)
	}
	if err := f.Close(); err != nil {
		return c.wrap(err, client.KindTransferFailed, "failed to write SFTP file %s", fullPath)
	}
	return nil
}

// GetDiskSpace is not reported for SFTP and always returns nil.
func (c *Client) GetDiskSpace(ctx context.Context, path string) (*client.DiskSpace, error) {
	return nil, nil
}

// SetPermissions applies numeric permission bits to a remote path.
func (c *Client) SetPermissions(ctx context.Context, path string, mode uint32) error {
	sc, err := c.sftpClient(ctx)
	if err != nil {
		return err
	}
	fullPath := c.resolvePath(path)

	if err := sc.Chmod(fullPath, os.FileMode(mode&0o7777)); err != nil {
		return c.wrap(err, client.KindProtocol, "failed to set permissions on %s", fullPath)
	}
	return nil
}

// GetProtocol returns client.ProtocolSFTP.
func (c *Client) GetProtocol() client.Protocol {
	return client.ProtocolSFTP
}

// GetConfig returns the connection configuration.
func (c *Client) GetConfig() *client.RemoteConfig {
	return c.config
}
