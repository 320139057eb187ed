// Package webdav implements the remote filesystem client for WebDAV.
package webdav

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"

	"digital.vasic.remotefs/pkg/client"
	"digital.vasic.remotefs/pkg/local"
)

const (
	methodPropfind = "PROPFIND"
	methodMkcol    = "MKCOL"
	methodMove     = "MOVE"
)

// Client implements client.Client for WebDAV.
type Client struct {
	config     *client.RemoteConfig
	logger     *slog.Logger
	httpClient *http.Client
	baseURL    *url.URL
	headers    http.Header
	status     client.ConnectionStatus
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for connection and operation events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = client.LoggerOrNop(logger)
	}
}

// WithHTTPClient replaces the HTTP client built from the configuration.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewWebDAVClient creates a new WebDAV client. The Basic authorization
// header is computed once here and sent with every request.
func NewWebDAVClient(config *client.RemoteConfig, opts ...Option) *Client {
	scheme := strings.ToLower(config.Option("scheme", ""))
	if scheme == "" {
		scheme = "http"
		if config.EffectivePort() == 443 {
			scheme = "https"
		}
	}

	basePath := path.Join("/", client.CleanPath(config.BasePath))
	baseURL := &url.URL{
		Scheme: scheme,
		Host:   config.Address(),
		Path:   basePath,
	}

	headers := make(http.Header)
	credentials := config.Username + ":" + config.PasswordValue()
	headers.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(credentials)))
	headers.Set("User-Agent", "remotefs-webdav")

	timeout := config.EffectiveTimeout()
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: !config.VerifySSL},
	}

	c := &Client{
		config:     config,
		logger:     client.NopLogger(),
		httpClient: &http.Client{Transport: transport},
		baseURL:    baseURL,
		headers:    headers,
		status:     client.Disconnected(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// remotePath normalizes a caller path. WebDAV paths are always relative to
// the base URL, so a leading slash does not escape it.
func remotePath(p string) string {
	return path.Join("/", client.CleanPath(p))
}

// buildURL returns the absolute URL of p beneath the base path.
func (c *Client) buildURL(p string) string {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, remotePath(p))
	return u.String()
}

func (c *Client) serverPath(p string) string {
	return path.Join(c.baseURL.Path, remotePath(p))
}

// Connect verifies the server and credentials with a depth-0 PROPFIND on
// the base path. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	if c.status.IsConnected() {
		return nil
	}

	c.status = client.Connecting()
	c.logger.Info("connecting", "protocol", client.ProtocolWebDAV, "url", c.baseURL.String(), "user", c.config.Username)

	if err := c.probe(ctx); err != nil {
		c.status = client.Failed(err.Error())
		c.logger.Warn("connection failed", "url", c.baseURL.String(), "error", err)
		return err
	}

	c.status = client.Connected()
	c.logger.Info("connected", "url", c.baseURL.String())
	return nil
}

func (c *Client) probe(ctx context.Context) error {
	resp, err := c.send(ctx, methodPropfind, c.baseURL.String(), strings.NewReader(propfindBody), map[string]string{
		"Depth":        "0",
		"Content-Type": "application/xml; charset=utf-8",
	})
	if err != nil {
		return client.ConnectFailure(err, "failed to connect to WebDAV server %s", c.baseURL.Host)
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusMultiStatus, resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return client.NewError(client.KindAuthenticationFailed, "authentication failed for %s on %s", c.config.Username, c.baseURL.Host)
	}
	return client.NewError(client.KindConnectionFailed, "WebDAV server %s returned %s", c.baseURL.String(), resp.Status)
}

// Disconnect drops idle HTTP connections.
func (c *Client) Disconnect(ctx context.Context) error {
	c.httpClient.CloseIdleConnections()
	c.status = client.Disconnected()
	c.logger.Info("disconnected", "url", c.baseURL.String())
	return nil
}

// Status returns the current connection status.
func (c *Client) Status() client.ConnectionStatus {
	return c.status
}

// TestConnection re-probes the server regardless of the current status.
func (c *Client) TestConnection(ctx context.Context) error {
	if err := c.probe(ctx); err != nil {
		c.status = client.Failed(err.Error())
		return err
	}
	c.status = client.Connected()
	return nil
}

func (c *Client) ensureConnected(ctx context.Context) error {
	if c.status.IsConnected() {
		return nil
	}
	return c.Connect(ctx)
}

// send issues a request with the default headers plus extra.
func (c *Client) send(ctx context.Context, method, target string, body io.Reader, extra map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, client.WrapError(err, client.KindProtocol, "failed to create %s request for %s", method, target)
	}
	for key, values := range c.headers {
		req.Header[key] = append([]string(nil), values...)
	}
	for key, value := range extra {
		req.Header.Set(key, value)
	}
	c.logger.Debug("request", "method", method, "url", target)
	return c.httpClient.Do(req)
}

// request is send for operations on a remote path. Transport failures are
// mapped onto the taxonomy.
func (c *Client) request(ctx context.Context, method, p string, body io.Reader, extra map[string]string) (*http.Response, error) {
	target := c.buildURL(p)
	resp, err := c.send(ctx, method, target, body, extra)
	if err != nil {
		kind := client.ClassifyNetError(err, client.KindNetwork)
		if kind == client.KindNetwork || kind == client.KindTimeout {
			c.status = client.Failed(err.Error())
		}
		return nil, client.WrapError(err, kind, "%s %s failed", method, remotePath(p))
	}
	return resp, nil
}

// statusError maps an unexpected HTTP status onto the taxonomy.
func statusError(resp *http.Response, fallback client.ErrorKind, op, p string) error {
	kind := fallback
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		kind = client.KindAuthenticationFailed
	case http.StatusForbidden, http.StatusLocked:
		kind = client.KindPermissionDenied
	case http.StatusNotFound, http.StatusGone:
		kind = client.KindFileNotFound
	case http.StatusMethodNotAllowed, http.StatusConflict, http.StatusPreconditionFailed:
		kind = client.KindProtocol
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		kind = client.KindTimeout
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		kind = client.KindNetwork
	}
	return client.NewError(kind, "failed to %s %s: server returned %s", op, p, resp.Status)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func (c *Client) propfind(ctx context.Context, p, depth string) ([]resource, error) {
	resp, err := c.request(ctx, methodPropfind, p, strings.NewReader(propfindBody), map[string]string{
		"Depth":        depth,
		"Content-Type": "application/xml; charset=utf-8",
	})
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusMultiStatus {
		return nil, statusError(resp, client.KindProtocol, "query", remotePath(p))
	}
	resources, err := parseMultiStatus(resp.Body)
	if err != nil {
		return nil, client.WrapError(err, client.KindProtocol, "malformed PROPFIND response for %s", remotePath(p))
	}
	return resources, nil
}

func (c *Client) list(ctx context.Context, p string) ([]*client.FileInfo, error) {
	resources, err := c.propfind(ctx, p, "1")
	if err != nil {
		return nil, err
	}

	dir := remotePath(p)
	self := c.serverPath(p)
	files := make([]*client.FileInfo, 0, len(resources))
	for i := range resources {
		res := &resources[i]
		if sameResource(hrefPath(res.Href), self) {
			continue
		}
		info := res.toFileInfo(dir)
		if info.Name == "." || info.Name == ".." {
			continue
		}
		info.Path = path.Join(dir, info.Name)
		files = append(files, info)
	}
	return files, nil
}

func (c *Client) stat(ctx context.Context, p string) (*client.FileInfo, error) {
	resources, err := c.propfind(ctx, p, "0")
	if err != nil {
		return nil, err
	}
	if len(resources) == 0 {
		return nil, client.NewError(client.KindProtocol, "empty PROPFIND response for %s", remotePath(p))
	}
	return resources[0].toFileInfo(remotePath(p)), nil
}

// ListDirectory lists a collection, excluding the collection itself.
func (c *Client) ListDirectory(ctx context.Context, p string) ([]*client.FileInfo, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	return c.list(ctx, p)
}

// GetFileInfo returns the properties of a single resource.
func (c *Client) GetFileInfo(ctx context.Context, p string) (*client.FileInfo, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	return c.stat(ctx, p)
}

// Exists reports whether the resource exists.
func (c *Client) Exists(ctx context.Context, p string) (bool, error) {
	_, err := c.GetFileInfo(ctx, p)
	if err == nil {
		return true, nil
	}
	if client.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// CreateDirectory creates a collection with MKCOL. With recursive set,
// missing parents are created first and an existing collection is not an
// error.
func (c *Client) CreateDirectory(ctx context.Context, p string, recursive bool) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	target := remotePath(p)

	if !recursive {
		if _, err := c.stat(ctx, target); err == nil {
			return client.NewError(client.KindProtocol, "WebDAV collection %s already exists", target)
		} else if !client.IsNotFound(err) {
			return err
		}
		return c.mkcol(ctx, target)
	}

	for _, component := range client.SplitComponents(target) {
		info, err := c.stat(ctx, component)
		if err == nil {
			if !info.IsDir() {
				return client.NewError(client.KindProtocol, "WebDAV path %s exists and is not a collection", component)
			}
			continue
		}
		if !client.IsNotFound(err) {
			return err
		}
		if err := c.mkcol(ctx, component); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) mkcol(ctx context.Context, p string) error {
	resp, err := c.request(ctx, methodMkcol, p, nil, nil)
	if err != nil {
		return err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusMethodNotAllowed:
		return client.NewError(client.KindProtocol, "WebDAV collection %s already exists", p)
	case http.StatusConflict:
		return client.NewError(client.KindFileNotFound, "parent of WebDAV collection %s does not exist", p)
	}
	return statusError(resp, client.KindProtocol, "create collection", p)
}

// Remove deletes a resource. Collections are emptied depth-first when
// recursive is set; without it only an empty collection is deleted.
func (c *Client) Remove(ctx context.Context, p string, recursive bool) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	target := remotePath(p)

	info, err := c.stat(ctx, target)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return c.delete(ctx, target)
	}
	if recursive {
		return c.removeTree(ctx, target)
	}

	children, err := c.list(ctx, target)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return client.NewError(client.KindProtocol, "WebDAV collection %s is not empty", target)
	}
	return c.delete(ctx, target)
}

func (c *Client) removeTree(ctx context.Context, dir string) error {
	children, err := c.list(ctx, dir)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.IsDir() {
			if err := c.removeTree(ctx, child.Path); err != nil {
				return err
			}
			continue
		}
		if err := c.delete(ctx, child.Path); err != nil {
			return err
		}
	}
	return c.delete(ctx, dir)
}

func (c *Client) delete(ctx context.Context, p string) error {
	resp, err := c.request(ctx, http.MethodDelete, p, nil, nil)
	if err != nil {
		return err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusAccepted:
		return nil
	}
	return statusError(resp, client.KindProtocol, "delete", p)
}

// Rename moves a resource with MOVE. An existing destination is never
// replaced.
func (c *Client) Rename(ctx context.Context, from, to string) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	resp, err := c.request(ctx, methodMove, from, nil, map[string]string{
		"Destination": c.buildURL(to),
		"Overwrite":   "F",
	})
	if err != nil {
		return err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusPreconditionFailed:
		return client.NewError(client.KindProtocol, "WebDAV destination %s already exists", remotePath(to))
	}
	return statusError(resp, client.KindProtocol, "move "+remotePath(from)+" to", remotePath(to))
}

// Download fetches a resource with GET. Resume is not available over
// WebDAV; the local modification time follows Last-Modified when
// timestamps are preserved.
func (c *Client) Download(ctx context.Context, remote, localPath string, opts client.TransferOptions, progress client.ProgressFunc) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	target := remotePath(remote)

	resp, err := c.request(ctx, http.MethodGet, target, nil, nil)
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return statusError(resp, client.KindTransferFailed, "download", target)
	}
	total := resp.ContentLength
	if total < 0 {
		total = 0
	}

	dst, err := local.CreateDestination(localPath, opts.Overwrite, false, total)
	if err != nil {
		return err
	}
	defer dst.File.Close()

	c.logger.Debug("download", "remote", target, "local", localPath, "size", total)
	if _, err := client.CopyWithProgress(ctx, dst, resp.Body, opts.ChunkSize(), 0, total, progress); err != nil {
		return client.WrapCopyError(err, client.KindTransferFailed, client.KindIO, "failed to download %s to %s", target, localPath)
	}
	if err := dst.Close(); err != nil {
		return err
	}

	if opts.PreserveTimestamps {
		if modTime, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
			if err := local.SetModTime(localPath, modTime); err != nil {
				return err
			}
		}
	}
	return nil
}

// Upload sends localPath as one streamed PUT. An existing resource is only
// replaced with Overwrite set.
func (c *Client) Upload(ctx context.Context, localPath, remote string, opts client.TransferOptions, progress client.ProgressFunc) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	target := remotePath(remote)

	src, err := local.OpenSource(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	if !opts.Overwrite {
		_, err := c.stat(ctx, target)
		if err == nil {
			return client.NewError(client.KindTransferFailed, "WebDAV resource %s already exists", target)
		}
		if !client.IsNotFound(err) {
			return err
		}
	}

	c.logger.Debug("upload", "local", localPath, "remote", target, "size", src.Size)
	body := client.NewProgressReader(src, opts.ChunkSize(), 0, src.Size, progress)
	return c.put(ctx, target, body, src.Size)
}

func (c *Client) put(ctx context.Context, target string, body io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.buildURL(target), body)
	if err != nil {
		return client.WrapError(err, client.KindProtocol, "failed to create PUT request for %s", target)
	}
	for key, values := range c.headers {
		req.Header[key] = append([]string(nil), values...)
	}
	req.ContentLength = size
	if size == 0 {
		req.Body = http.NoBody
	}

	c.logger.Debug("request", "method", http.MethodPut, "url", req.URL.String())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return client.WrapError(err, client.ClassifyNetError(err, client.KindTransferFailed), "PUT %s failed", target)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusConflict:
		return client.NewError(client.KindFileNotFound, "parent collection of %s does not exist", target)
	}
	return statusError(resp, client.KindTransferFailed, "upload", target)
}

// ReadFile returns the whole body of a resource.
func (c *Client) ReadFile(ctx context.Context, p string) ([]byte, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	target := remotePath(p)

	resp, err := c.request(ctx, http.MethodGet, target, nil, nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, client.KindTransferFailed, "read", target)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, client.WrapRemote(err, client.KindTransferFailed, "failed to read %s", target)
	}
	return data, nil
}

// WriteFile stores data as a resource, replacing any existing content.
func (c *Client) WriteFile(ctx context.Context, p string, data []byte) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	return c.put(ctx, remotePath(p), bytes.NewReader(data), int64(len(data)))
}

// GetDiskSpace is not available over WebDAV and always returns nil.
func (c *Client) GetDiskSpace(ctx context.Context, p string) (*client.DiskSpace, error) {
	return nil, nil
}

// SetPermissions is not supported over WebDAV.
func (c *Client) SetPermissions(ctx context.Context, p string, mode uint32) error {
	return client.Unsupported(client.ProtocolWebDAV, "setting permissions")
}

// GetProtocol returns client.ProtocolWebDAV.
func (c *Client) GetProtocol() client.Protocol {
	return client.ProtocolWebDAV
}

// GetConfig returns the connection configuration.
func (c *Client) GetConfig() *client.RemoteConfig {
	return c.config
}
