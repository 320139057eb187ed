// Package factory creates remote filesystem clients from a RemoteConfig or
// a connection URL.
package factory

import (
	"log/slog"

	"digital.vasic.remotefs/pkg/client"
	"digital.vasic.remotefs/pkg/ftp"
	"digital.vasic.remotefs/pkg/sftp"
	"digital.vasic.remotefs/pkg/webdav"
)

// DefaultFactory implements client.Factory for SFTP, FTP, FTPS and WebDAV.
type DefaultFactory struct {
	logger *slog.Logger
}

var _ client.Factory = (*DefaultFactory)(nil)

// Option configures a DefaultFactory.
type Option func(*DefaultFactory)

// WithLogger sets the logger handed to every client the factory creates.
func WithLogger(logger *slog.Logger) Option {
	return func(f *DefaultFactory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewDefaultFactory creates a new default client factory.
func NewDefaultFactory(opts ...Option) *DefaultFactory {
	f := &DefaultFactory{logger: client.NopLogger()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateClient validates config and constructs the client for its
// protocol. No network I/O happens here; an invalid configuration is
// rejected before a client exists.
func (f *DefaultFactory) CreateClient(config *client.RemoteConfig) (client.Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := f.logger.With("protocol", string(config.Protocol), "host", config.Host)

	switch config.Protocol {
	case client.ProtocolSFTP:
		return sftp.NewSFTPClient(config, sftp.WithLogger(logger)), nil
	case client.ProtocolFTP, client.ProtocolFTPS:
		return ftp.NewFTPClient(config, ftp.WithLogger(logger)), nil
	case client.ProtocolWebDAV:
		return webdav.NewWebDAVClient(config, webdav.WithLogger(logger)), nil
	default:
		return nil, client.NewError(client.KindInvalidConfig, "unsupported protocol: %s", config.Protocol)
	}
}

// SupportedProtocols returns the list of supported protocols.
func (f *DefaultFactory) SupportedProtocols() []client.Protocol {
	return []client.Protocol{
		client.ProtocolSFTP,
		client.ProtocolFTP,
		client.ProtocolFTPS,
		client.ProtocolWebDAV,
	}
}

// ClientFromURL parses raw with ParseURL and creates the matching client.
func (f *DefaultFactory) ClientFromURL(raw string) (client.Client, error) {
	config, err := ParseURL(raw)
	if err != nil {
		return nil, err
	}
	return f.CreateClient(config)
}
