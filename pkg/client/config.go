package client

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// Protocol identifies the wire protocol backing a connection.
type Protocol string

const (
	ProtocolSFTP   Protocol = "sftp"
	ProtocolFTP    Protocol = "ftp"
	ProtocolFTPS   Protocol = "ftps"
	ProtocolWebDAV Protocol = "webdav"
)

// DefaultTimeout applies when RemoteConfig.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// DefaultPort returns the well-known port for p, or 0 if p is unknown.
func (p Protocol) DefaultPort() int {
	switch p {
	case ProtocolSFTP:
		return 22
	case ProtocolFTP, ProtocolFTPS:
		return 21
	case ProtocolWebDAV:
		return 80
	}
	return 0
}

// RemoteConfig holds the parameters of one remote connection. It must not
// be modified after a client has been constructed from it.
type RemoteConfig struct {
	Protocol             Protocol          `json:"protocol" toml:"protocol"`
	Host                 string            `json:"host" toml:"host"`
	Port                 int               `json:"port,omitempty" toml:"port"`
	Username             string            `json:"username" toml:"username"`
	Password             *string           `json:"password,omitempty" toml:"password"`
	PrivateKeyPath       string            `json:"private_key_path,omitempty" toml:"private_key_path"`
	PrivateKeyPassphrase string            `json:"private_key_passphrase,omitempty" toml:"private_key_passphrase"`
	Options              map[string]string `json:"options,omitempty" toml:"options"`
	Timeout              time.Duration     `json:"timeout,omitempty" toml:"-"`
	Passive              bool              `json:"passive" toml:"passive"`
	VerifySSL            bool              `json:"verify_ssl" toml:"verify_ssl"`
	BasePath             string            `json:"base_path,omitempty" toml:"base_path"`
}

// StringPtr is a convenience for setting optional config strings.
func StringPtr(s string) *string {
	return &s
}

// HasPassword reports whether a password was supplied, even an empty one.
func (c *RemoteConfig) HasPassword() bool {
	return c.Password != nil
}

// PasswordValue returns the password or an empty string.
func (c *RemoteConfig) PasswordValue() string {
	if c.Password == nil {
		return ""
	}
	return *c.Password
}

// EffectivePort returns Port, or the protocol default when unset.
func (c *RemoteConfig) EffectivePort() int {
	if c.Port > 0 {
		return c.Port
	}
	if c.Protocol == ProtocolWebDAV && strings.EqualFold(c.Option("scheme", ""), "https") {
		return 443
	}
	return c.Protocol.DefaultPort()
}

// Address returns host:port for dialing.
func (c *RemoteConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.EffectivePort()))
}

// EffectiveTimeout returns Timeout, or DefaultTimeout when unset.
func (c *RemoteConfig) EffectiveTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// Option extracts a string option, falling back to defaultValue.
func (c *RemoteConfig) Option(key, defaultValue string) string {
	if val, ok := c.Options[key]; ok {
		return val
	}
	return defaultValue
}

// BoolOption extracts a boolean option, falling back to defaultValue when
// the key is missing or does not parse.
func (c *RemoteConfig) BoolOption(key string, defaultValue bool) bool {
	if val, ok := c.Options[key]; ok {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultValue
}

// IntOption extracts an integer option, falling back to defaultValue.
func (c *RemoteConfig) IntOption(key string, defaultValue int) int {
	if val, ok := c.Options[key]; ok {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultValue
}

// Validate checks the protocol-specific preconditions. It never performs
// network I/O.
func (c *RemoteConfig) Validate() error {
	if c == nil {
		return NewError(KindInvalidConfig, "configuration is nil")
	}
	if strings.TrimSpace(c.Host) == "" {
		return NewError(KindInvalidConfig, "host is required")
	}
	if strings.TrimSpace(c.Username) == "" {
		return NewError(KindInvalidConfig, "username is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return NewError(KindInvalidConfig, "port %d out of range", c.Port)
	}

	switch c.Protocol {
	case ProtocolSFTP:
		if !c.HasPassword() && c.PrivateKeyPath == "" {
			return NewError(KindInvalidConfig, "SFTP requires either a password or a private key for %s", c.Host)
		}
	case ProtocolFTP, ProtocolFTPS:
		if !c.HasPassword() {
			return NewError(KindInvalidConfig, "FTP requires a password for %s", c.Host)
		}
	case ProtocolWebDAV:
		if !c.HasPassword() {
			return NewError(KindInvalidConfig, "WebDAV requires a password for %s", c.Host)
		}
	default:
		return NewError(KindInvalidConfig, "unsupported protocol: %s", c.Protocol)
	}
	return nil
}
