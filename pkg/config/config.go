// Package config loads connection profiles from TOML files.
//
// A profile file looks like:
//
//	[[profiles]]
//	id = "backup"
//	protocol = "sftp"
//	host = "backup.example.com"
//	username = "deploy"
//	private_key_path = "/home/deploy/.ssh/id_ed25519"
//	timeout = "45s"
//	options = { known_hosts = "/home/deploy/.ssh/known_hosts" }
//
//	[[profiles]]
//	id = "nas"
//	url = "webdavs://nas.local/remote.php/dav"
//	credential_id = "nas"
//
// A profile either spells out its fields or starts from a connection URL;
// explicit fields override what the URL sets. Secrets may live in a
// credential store and be referenced by credential_id.
package config

import (
	"bytes"
	"context"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/pelletier/go-toml/v2"

	"digital.vasic.remotefs/pkg/client"
	"digital.vasic.remotefs/pkg/credentials"
	"digital.vasic.remotefs/pkg/factory"
)

// File is a decoded profile file.
type File struct {
	Profiles []Profile `toml:"profiles"`
}

// Profile describes one saved connection.
type Profile struct {
	ID                   string            `toml:"id"`
	Name                 string            `toml:"name,omitempty"`
	URL                  string            `toml:"url,omitempty"`
	Protocol             client.Protocol   `toml:"protocol,omitempty"`
	Host                 string            `toml:"host,omitempty"`
	Port                 int               `toml:"port,omitempty"`
	Username             string            `toml:"username,omitempty"`
	Password             *string           `toml:"password,omitempty"`
	PrivateKeyPath       string            `toml:"private_key_path,omitempty"`
	PrivateKeyPassphrase string            `toml:"private_key_passphrase,omitempty"`
	Timeout              string            `toml:"timeout,omitempty"`
	Passive              *bool             `toml:"passive,omitempty"`
	VerifySSL            *bool             `toml:"verify_ssl,omitempty"`
	BasePath             string            `toml:"base_path,omitempty"`
	Options              map[string]string `toml:"options,omitempty"`
	CredentialID         string            `toml:"credential_id,omitempty"`
}

// Load reads and parses the profile file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, client.WrapError(err, client.ClassifyNetError(err, client.KindIO), "failed to read profile file %s", path)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, errors.WithContext(err, "path", path)
	}
	return f, nil
}

// Parse decodes profile TOML. Unknown keys are rejected, as are profiles
// without an id and duplicate ids.
func Parse(data []byte) (*File, error) {
	var f File
	decoder := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := decoder.Decode(&f); err != nil {
		return nil, decodeError(err)
	}

	seen := make(map[string]struct{}, len(f.Profiles))
	for i, p := range f.Profiles {
		if p.ID == "" {
			return nil, client.NewError(client.KindInvalidConfig, "profile %d has no id", i+1)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, client.NewError(client.KindInvalidConfig, "duplicate profile id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return &f, nil
}

func decodeError(err error) error {
	var strict *toml.StrictMissingError
	if errors.As(err, &strict) {
		return client.WrapError(err, client.KindInvalidConfig, "unknown keys in profile file:\n%s", strict.String())
	}
	var derr *toml.DecodeError
	if errors.As(err, &derr) {
		row, col := derr.Position()
		return client.WrapError(err, client.KindInvalidConfig, "invalid profile file at line %d column %d", row, col)
	}
	return client.WrapError(err, client.KindInvalidConfig, "invalid profile file")
}

// Encode writes f as TOML.
func (f *File) Encode(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(f); err != nil {
		return client.WrapError(err, client.KindInvalidConfig, "failed to encode profiles")
	}
	return nil
}

// Save writes f to path with owner-only permissions, since profiles may
// carry passwords.
func (f *File) Save(path string) error {
	var buf bytes.Buffer
	if err := f.Encode(&buf); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return client.WrapError(err, client.KindIO, "failed to write profile file %s", path)
	}
	return nil
}

// Profile returns the profile with the given id.
func (f *File) Profile(id string) (*Profile, error) {
	for i := range f.Profiles {
		if f.Profiles[i].ID == id {
			return &f.Profiles[i], nil
		}
	}
	return nil, client.NewError(client.KindFileNotFound, "profile %q not found", id)
}

// RemoteConfig converts the profile into a client configuration. It does
// not consult a credential store and does not validate the result.
func (p *Profile) RemoteConfig() (*client.RemoteConfig, error) {
	config := &client.RemoteConfig{Passive: true, VerifySSL: true}
	if p.URL != "" {
		parsed, err := factory.ParseURL(p.URL)
		if err != nil {
			return nil, errors.WithContext(err, "profile", p.ID)
		}
		config = parsed
	}

	if p.Protocol != "" {
		config.Protocol = p.Protocol
	}
	if p.Host != "" {
		config.Host = p.Host
	}
	if p.Port != 0 {
		config.Port = p.Port
	}
	if p.Username != "" {
		config.Username = p.Username
	}
	if p.Password != nil {
		config.Password = client.StringPtr(*p.Password)
	}
	if p.PrivateKeyPath != "" {
		config.PrivateKeyPath = p.PrivateKeyPath
	}
	if p.PrivateKeyPassphrase != "" {
		config.PrivateKeyPassphrase = p.PrivateKeyPassphrase
	}
	if p.Passive != nil {
		config.Passive = *p.Passive
	}
	if p.VerifySSL != nil {
		config.VerifySSL = *p.VerifySSL
	}
	if p.BasePath != "" {
		config.BasePath = p.BasePath
	}
	if len(p.Options) > 0 {
		if config.Options == nil {
			config.Options = make(map[string]string, len(p.Options))
		}
		for k, v := range p.Options {
			config.Options[k] = v
		}
	}
	if p.Timeout != "" {
		timeout, err := parseTimeout(p.Timeout)
		if err != nil {
			return nil, client.WrapError(err, client.KindInvalidConfig, "profile %s: invalid timeout %q", p.ID, p.Timeout)
		}
		config.Timeout = timeout
	}
	return config, nil
}

// Resolve builds the profile's configuration and, when it names a
// credential id, merges the stored credentials into it. A nil store is
// only accepted for profiles without a credential id.
func (p *Profile) Resolve(ctx context.Context, store credentials.Store) (*client.RemoteConfig, error) {
	config, err := p.RemoteConfig()
	if err != nil {
		return nil, err
	}
	if p.CredentialID == "" {
		return config, nil
	}
	if store == nil {
		return nil, client.NewError(client.KindInvalidConfig, "profile %s references credentials %s but no store is configured", p.ID, p.CredentialID)
	}

	creds, err := store.Get(ctx, p.CredentialID)
	if err != nil {
		return nil, client.WrapRemote(err, client.KindOther, "profile %s: failed to load credentials", p.ID)
	}
	creds.Apply(config)
	return config, nil
}

func parseTimeout(value string) (time.Duration, error) {
	if seconds, err := strconv.Atoi(value); err == nil {
		value = strconv.Itoa(seconds) + "s"
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, client.NewError(client.KindInvalidConfig, "negative timeout")
	}
	return d, nil
}
