// Package ftp implements the remote filesystem client for FTP and FTPS.
package ftp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strings"

	goftp "github.com/jlaffaye/ftp"

	"digital.vasic.remotefs/pkg/client"
	"digital.vasic.remotefs/pkg/local"
)

// FTP reply codes the client maps onto error kinds.
const (
	codeServiceNotAvailable = 421
	codeCannotOpenData      = 425
	codeTransferAborted     = 426
	codeNotLoggedIn         = 530
	codeNeedAccount         = 532
	codeFileUnavailable     = 550
	codeNameNotAllowed      = 553
)

// conn is the subset of the FTP control connection the client uses.
type conn interface {
	Login(user, password string) error
	ChangeDir(path string) error
	CurrentDir() (string, error)
	List(path string) (*listing, error)
	Retr(path string) (io.ReadCloser, error)
	Stor(path string, r io.Reader) error
	MakeDir(path string) error
	RemoveDir(path string) error
	Delete(path string) error
	Rename(from, to string) error
	FileSize(path string) (int64, error)
	NoOp() error
	Quit() error
}

// listing is the answer to one LIST command: the raw lines when they were
// recorded, and the entries the library parsed from them.
type listing struct {
	Lines   []string
	Entries []*goftp.Entry
}

// serverConn adapts *goftp.ServerConn to conn.
type serverConn struct {
	*goftp.ServerConn
	capture *listCapture
}

func (s serverConn) List(path string) (*listing, error) {
	s.capture.arm()
	entries, err := s.ServerConn.List(path)
	lines := s.capture.disarm()
	if err != nil {
		return nil, err
	}
	return &listing{Lines: lines, Entries: entries}, nil
}

func (s serverConn) Retr(path string) (io.ReadCloser, error) {
	resp, err := s.ServerConn.Retr(path)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

type dialFunc func(ctx context.Context, config *client.RemoteConfig) (conn, error)

// Client implements client.Client for FTP and FTPS.
type Client struct {
	config *client.RemoteConfig
	logger *slog.Logger
	dial   dialFunc
	status client.ConnectionStatus
	conn   conn
	// root is the absolute base directory once known, or empty when
	// relative paths are left to the server's working directory.
	root string
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for connection and operation events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = client.LoggerOrNop(logger)
	}
}

// NewFTPClient creates a new FTP client. Protocol ProtocolFTPS upgrades the
// control and data connections with explicit TLS.
func NewFTPClient(config *client.RemoteConfig, opts ...Option) *Client {
	c := &Client{
		config: config,
		logger: client.NopLogger(),
		dial:   dialServer,
		status: client.Disconnected(),
	}
	if strings.HasPrefix(config.BasePath, "/") {
		c.root = client.CleanPath(config.BasePath)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// dialServer connects through a dial function of our own so data
// connections can be recorded while listing. MLSD is disabled to get Unix
// LIST lines. The library leaves TLS on data connections to a custom dial
// function, so FTPS wraps them here.
func dialServer(ctx context.Context, config *client.RemoteConfig) (conn, error) {
	var tlsConfig *tls.Config
	if config.Protocol == client.ProtocolFTPS {
		tlsConfig = &tls.Config{
			ServerName:         config.Host,
			InsecureSkipVerify: !config.VerifySSL,
		}
	}

	capture := &listCapture{}
	dialer := &net.Dialer{Timeout: config.EffectiveTimeout()}
	control := true
	dial := func(network, address string) (net.Conn, error) {
		if control {
			control = false
			return dialer.DialContext(ctx, network, address)
		}
		dc, err := dialer.Dial(network, address)
		if err != nil {
			return nil, err
		}
		if tlsConfig != nil {
			dc = tls.Client(dc, tlsConfig)
		}
		return capture.wrap(dc), nil
	}

	options := []goftp.DialOption{
		goftp.DialWithDialFunc(dial),
		goftp.DialWithTimeout(config.EffectiveTimeout()),
		goftp.DialWithDisabledEPSV(config.BoolOption("disable_epsv", false)),
		goftp.DialWithDisabledMLSD(true),
	}
	if tlsConfig != nil {
		options = append(options, goftp.DialWithExplicitTLS(tlsConfig))
	}

	sc, err := goftp.Dial(config.Address(), options...)
	if err != nil {
		return nil, err
	}
	return serverConn{ServerConn: sc, capture: capture}, nil
}

// Connect opens the control connection, logs in (which switches the session
// to binary mode) and changes into the base path. It is a no-op when already
// connected.
func (c *Client) Connect(ctx context.Context) error {
	if c.conn != nil && c.status.IsConnected() {
		return nil
	}
	c.dropConn()

	c.status = client.Connecting()
	c.logger.Info("connecting", "protocol", c.GetProtocol(), "host", c.config.Host, "port", c.config.EffectivePort(), "user", c.config.Username)
	if !c.config.Passive {
		c.logger.Warn("active mode is not available, using passive mode", "host", c.config.Host)
	}

	if err := c.connect(ctx); err != nil {
		c.status = client.Failed(err.Error())
		c.logger.Warn("connection failed", "host", c.config.Host, "error", err)
		return err
	}

	c.status = client.Connected()
	c.logger.Info("connected", "host", c.config.Host)
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	addr := c.config.Address()
	fc, err := c.dial(ctx, c.config)
	if err != nil {
		return client.ConnectFailure(err, "failed to connect to FTP server %s", addr)
	}

	if err := fc.Login(c.config.Username, c.config.PasswordValue()); err != nil {
		fc.Quit()
		kind := classify(err, client.KindAuthenticationFailed)
		if kind == client.KindFileNotFound {
			kind = client.KindAuthenticationFailed
		}
		return client.WrapError(err, kind, "failed to login to FTP server %s as %s", addr, c.config.Username)
	}

	if c.config.BasePath != "" {
		if err := fc.ChangeDir(c.config.BasePath); err != nil {
			fc.Quit()
			return client.WrapError(err, classify(err, client.KindProtocol), "failed to change to base directory %s", c.config.BasePath)
		}
		if cwd, err := fc.CurrentDir(); err == nil && strings.HasPrefix(cwd, "/") {
			c.root = client.CleanPath(cwd)
		} else {
			c.logger.Debug("working directory unknown, resolving paths on the server", "base_path", c.config.BasePath)
		}
	}

	c.conn = fc
	return nil
}

// Disconnect sends QUIT and closes the control connection.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.conn == nil {
		c.status = client.Disconnected()
		return nil
	}
	err := c.conn.Quit()
	c.conn = nil
	c.status = client.Disconnected()
	c.logger.Info("disconnected", "host", c.config.Host)
	if err != nil {
		return client.WrapError(err, client.KindNetwork, "failed to close FTP connection to %s", c.config.Host)
	}
	return nil
}

// Status returns the current connection status.
func (c *Client) Status() client.ConnectionStatus {
	return c.status
}

// TestConnection connects if needed and sends NOOP.
func (c *Client) TestConnection(ctx context.Context) error {
	fc, err := c.ftpConn(ctx)
	if err != nil {
		return err
	}
	if err := fc.NoOp(); err != nil {
		return c.wrap(err, client.KindConnectionFailed, "FTP connection test against %s failed", c.config.Host)
	}
	return nil
}

// ftpConn is the single accessor for the control connection, connecting on
// demand.
func (c *Client) ftpConn(ctx context.Context) (conn, error) {
	if c.conn == nil || !c.status.IsConnected() {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}
	return c.conn, nil
}

func (c *Client) dropConn() {
	if c.conn != nil {
		_ = c.conn.Quit()
		c.conn = nil
	}
}

// resolvePath resolves a relative path within the FTP base directory. A
// relative base path is only known once Connect has changed into it;
// until then relative paths stay relative to the working directory.
func (c *Client) resolvePath(path string) string {
	return client.JoinPath(c.root, path)
}

// wrap converts an FTP failure into the shared taxonomy. A broken control
// connection marks the client failed so the next operation reconnects.
func (c *Client) wrap(err error, fallback client.ErrorKind, format string, args ...interface{}) error {
	kind := classify(err, fallback)
	if kind == client.KindNetwork || kind == client.KindTimeout {
		c.logger.Warn("connection lost", "host", c.config.Host, "error", err)
		c.dropConn()
		c.status = client.Failed(err.Error())
	}
	return client.WrapError(err, kind, format, args...)
}

func classify(err error, fallback client.ErrorKind) client.ErrorKind {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		switch protoErr.Code {
		case codeNotLoggedIn:
			return client.KindAuthenticationFailed
		case codeFileUnavailable:
			return client.KindFileNotFound
		case codeNeedAccount, codeNameNotAllowed:
			return client.KindPermissionDenied
		case codeServiceNotAvailable, codeCannotOpenData, codeTransferAborted:
			return client.KindNetwork
		}
		return fallback
	}
	return client.ClassifyNetError(err, fallback)
}

func (c *Client) list(fc conn, dir string) ([]*client.FileInfo, error) {
	result, err := fc.List(dir)
	if err != nil {
		return nil, c.wrap(err, client.KindProtocol, "failed to list FTP directory %s", dir)
	}

	files := make([]*client.FileInfo, 0, len(result.Lines))
	for _, line := range result.Lines {
		if info, ok := ParseListLine(line, dir); ok {
			files = append(files, info)
		}
	}
	if len(files) > 0 || len(result.Entries) == 0 {
		return files, nil
	}

	// Not Unix-style output (e.g. a DOS listing); use what the library
	// parsed.
	for _, entry := range result.Entries {
		if info, ok := entryToFileInfo(entry, dir); ok {
			files = append(files, info)
		}
	}
	return files, nil
}

// ListDirectory lists files in a directory.
func (c *Client) ListDirectory(ctx context.Context, path string) ([]*client.FileInfo, error) {
	fc, err := c.ftpConn(ctx)
	if err != nil {
		return nil, err
	}
	fullPath := c.resolvePath(path)
	c.logger.Debug("list directory", "path", fullPath)
	return c.list(fc, fullPath)
}

// GetFileInfo lists the parent directory and picks the named entry. The
// cost grows with the size of the parent directory.
func (c *Client) GetFileInfo(ctx context.Context, path string) (*client.FileInfo, error) {
	fc, err := c.ftpConn(ctx)
	if err != nil {
		return nil, err
	}
	return c.stat(fc, c.resolvePath(path))
}

func (c *Client) stat(fc conn, fullPath string) (*client.FileInfo, error) {
	if client.IsRoot(fullPath) {
		return client.NewFileInfo(fullPath, fullPath, client.FileTypeDirectory, 0), nil
	}

	name := client.BaseName(fullPath)
	entries, err := c.list(fc, client.ParentDir(fullPath))
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.Name == name {
			entry.Path = fullPath
			return entry, nil
		}
	}
	return nil, client.NewError(client.KindFileNotFound, "FTP path %s not found", fullPath)
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

// CreateDirectory creates a directory. With recursive set, missing parents
// are created and an existing directory is not an error.
func (c *Client) CreateDirectory(ctx context.Context, path string, recursive bool) error {
	fc, err := c.ftpConn(ctx)
	if err != nil {
		return err
	}
	fullPath := c.resolvePath(path)

	if !recursive {
		if _, err := c.stat(fc, fullPath); err == nil {
			return client.NewError(client.KindProtocol, "FTP directory %s already exists", fullPath)
		}
		if err := fc.MakeDir(fullPath); err != nil {
			return c.wrap(err, client.KindProtocol, "failed to create FTP directory %s", fullPath)
		}
		return nil
	}

	for _, component := range client.SplitComponents(fullPath) {
		info, err := c.stat(fc, component)
		if err == nil {
			if !info.IsDir() {
				return client.NewError(client.KindProtocol, "FTP path %s exists and is not a directory", component)
			}
			continue
		}
		if !client.IsNotFound(err) {
			return err
		}
		c.logger.Debug("create directory", "path", component)
		if err := fc.MakeDir(component); err != nil {
			return c.wrap(err, client.KindProtocol, "failed to create FTP directory %s", component)
		}
	}
	return nil
}

// Remove deletes a file or directory, descending into directories first
// when recursive is set.
func (c *Client) Remove(ctx context.Context, path string, recursive bool) error {
	fc, err := c.ftpConn(ctx)
	if err != nil {
		return err
	}
	fullPath := c.resolvePath(path)

	info, err := c.stat(fc, fullPath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		if err := fc.Delete(fullPath); err != nil {
			return c.wrap(err, client.KindProtocol, "failed to delete FTP file %s", fullPath)
		}
		return nil
	}
	if recursive {
		return c.removeTree(ctx, fc, fullPath)
	}
	if err := fc.RemoveDir(fullPath); err != nil {
		return c.wrap(err, client.KindProtocol, "failed to delete FTP directory %s", fullPath)
	}
	return nil
}

func (c *Client) removeTree(ctx context.Context, fc conn, dir string) error {
	if err := ctx.Err(); err != nil {
		return client.WrapError(err, client.KindTimeout, "removal of %s interrupted", dir)
	}

	entries, err := c.list(fc, dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			if err := c.removeTree(ctx, fc, entry.Path); err != nil {
				return err
			}
			continue
		}
		c.logger.Debug("delete file", "path", entry.Path)
		if err := fc.Delete(entry.Path); err != nil {
			return c.wrap(err, client.KindProtocol, "failed to delete FTP file %s", entry.Path)
		}
	}

	c.logger.Debug("delete directory", "path", dir)
	if err := fc.RemoveDir(dir); err != nil {
		return c.wrap(err, client.KindProtocol, "failed to delete FTP directory %s", dir)
	}
	return nil
}

// Rename moves a remote entry.
func (c *Client) Rename(ctx context.Context, from, to string) error {
	fc, err := c.ftpConn(ctx)
	if err != nil {
		return err
	}
	fromPath := c.resolvePath(from)
	toPath := c.resolvePath(to)

	if err := fc.Rename(fromPath, toPath); err != nil {
		return c.wrap(err, client.KindProtocol, "failed to rename FTP path %s to %s", fromPath, toPath)
	}
	return nil
}

// Download retrieves a remote file into localPath. Resume and timestamp
// preservation are not available over FTP.
func (c *Client) Download(ctx context.Context, remotePath, localPath string, opts client.TransferOptions, progress client.ProgressFunc) error {
	fc, err := c.ftpConn(ctx)
	if err != nil {
		return err
	}
	fullPath := c.resolvePath(remotePath)

	total, err := fc.FileSize(fullPath)
	if err != nil {
		if kind := classify(err, client.KindProtocol); kind == client.KindFileNotFound || kind == client.KindNetwork {
			return c.wrap(err, kind, "failed to retrieve FTP file %s", fullPath)
		}
		total = 0
	}

	dst, err := local.CreateDestination(localPath, opts.Overwrite, false, total)
	if err != nil {
		return err
	}
	defer dst.File.Close()

	resp, err := fc.Retr(fullPath)
	if err != nil {
		return c.wrap(err, client.KindTransferFailed, "failed to retrieve FTP file %s", fullPath)
	}

	c.logger.Debug("download", "remote", fullPath, "local", localPath, "size", total)
	_, copyErr := client.CopyWithProgress(ctx, dst, resp, opts.ChunkSize(), 0, total, progress)
	closeErr := resp.Close()
	if copyErr != nil {
		return client.WrapCopyError(copyErr, client.KindTransferFailed, client.KindIO, "failed to download %s to %s", fullPath, localPath)
	}
	if closeErr != nil {
		return c.wrap(closeErr, client.KindTransferFailed, "failed to finish FTP download of %s", fullPath)
	}
	return dst.Close()
}

// Upload stores localPath on the server. An existing remote file is only
// replaced with Overwrite set.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string, opts client.TransferOptions, progress client.ProgressFunc) error {
	fc, err := c.ftpConn(ctx)
	if err != nil {
		return err
	}
	fullPath := c.resolvePath(remotePath)

	src, err := local.OpenSource(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	if !opts.Overwrite {
		_, err := c.stat(fc, fullPath)
		if err == nil {
			return client.NewError(client.KindTransferFailed, "FTP file %s already exists", fullPath)
		}
		if !client.IsNotFound(err) {
			return err
		}
	}

	c.logger.Debug("upload", "local", localPath, "remote", fullPath, "size", src.Size)
	body := client.NewProgressReader(&contextReader{ctx: ctx, r: src}, opts.ChunkSize(), 0, src.Size, progress)
	if err := fc.Stor(fullPath, body); err != nil {
		if ctx.Err() != nil {
			return client.WrapError(ctx.Err(), client.KindTransferFailed, "upload of %s to %s interrupted", localPath, fullPath)
		}
		return c.wrap(err, client.KindTransferFailed, "failed to store FTP file %s", fullPath)
	}
	return nil
}

// contextReader stops a streamed upload once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// ReadFile returns the whole content of a remote file.
func (c *Client) ReadFile(ctx context.Context, path string) ([]byte, error) {
	fc, err := c.ftpConn(ctx)
	if err != nil {
		return nil, err
	}
	fullPath := c.resolvePath(path)

	resp, err := fc.Retr(fullPath)
	if err != nil {
		return nil, c.wrap(err, client.KindTransferFailed, "failed to retrieve FTP file %s", fullPath)
	}
	data, err := io.ReadAll(resp)
	closeErr := resp.Close()
	if err != nil {
		return nil, c.wrap(err, client.KindTransferFailed, "failed to read FTP file %s", fullPath)
	}
	if closeErr != nil {
		return nil, c.wrap(closeErr, client.KindTransferFailed, "failed to read FTP file %s", fullPath)
	}
	return data, nil
}

// WriteFile stores data as a remote file, replacing any existing content.
func (c *Client) WriteFile(ctx context.Context, path string, data []byte) error {
	fc, err := c.ftpConn(ctx)
	if err != nil {
		return err
	}
	fullPath := c.resolvePath(path)

	if err := fc.Stor(fullPath, bytes.NewReader(data)); err != nil {
		return c.wrap(err, client.KindTransferFailed, "failed to store FTP file %s", fullPath)
	}
	return nil
}

// GetDiskSpace is not available over FTP and always returns nil.
func (c *Client) GetDiskSpace(ctx context.Context, path string) (*client.DiskSpace, error) {
	return nil, nil
}

// SetPermissions is not supported over FTP.
func (c *Client) SetPermissions(ctx context.Context, path string, mode uint32) error {
	return client.Unsupported(c.GetProtocol(), "setting permissions")
}

// GetProtocol returns ProtocolFTPS for TLS connections and ProtocolFTP
// otherwise.
func (c *Client) GetProtocol() client.Protocol {
	if c.config.Protocol == client.ProtocolFTPS {
		return client.ProtocolFTPS
	}
	return client.ProtocolFTP
}

// GetConfig returns the connection configuration.
func (c *Client) GetConfig() *client.RemoteConfig {
	return c.config
}
