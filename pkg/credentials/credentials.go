// Package credentials defines the credential store the remote clients
// read secrets from. Secrets are looked up by connection id; nothing in
// this module persists them.
package credentials

import (
	"context"
	"sort"
	"sync"

	"digital.vasic.remotefs/pkg/client"
)

// Credentials is the secret material and addressing for one connection.
type Credentials struct {
	Username             string          `json:"username"`
	Password             *string         `json:"password,omitempty"`
	PrivateKeyPath       string          `json:"private_key_path,omitempty"`
	PrivateKeyPassphrase string          `json:"private_key_passphrase,omitempty"`
	Host                 string          `json:"host"`
	Port                 int             `json:"port,omitempty"`
	Protocol             client.Protocol `json:"protocol"`
}

// Store returns and accepts credentials by connection id.
type Store interface {
	Get(ctx context.Context, id string) (*Credentials, error)
	Put(ctx context.Context, id string, creds *Credentials) error
	Delete(ctx context.Context, id string) error
}

// NotFound returns the error a Store reports for an unknown id. It has
// kind client.KindFileNotFound, so client.IsNotFound matches it.
func NotFound(id string) error {
	return client.NewError(client.KindFileNotFound, "no credentials stored for %s", id)
}

// Clone returns a deep copy of c.
func (c *Credentials) Clone() *Credentials {
	if c == nil {
		return nil
	}
	out := *c
	if c.Password != nil {
		out.Password = client.StringPtr(*c.Password)
	}
	return &out
}

// Apply copies the secrets into config. Username, password and key
// material replace what config holds when set here. Host, port and
// protocol only fill gaps, so a profile can point stored credentials at a
// different endpoint.
func (c *Credentials) Apply(config *client.RemoteConfig) {
	if c == nil || config == nil {
		return
	}
	if c.Username != "" {
		config.Username = c.Username
	}
	if c.Password != nil {
		config.Password = client.StringPtr(*c.Password)
	}
	if c.PrivateKeyPath != "" {
		config.PrivateKeyPath = c.PrivateKeyPath
	}
	if c.PrivateKeyPassphrase != "" {
		config.PrivateKeyPassphrase = c.PrivateKeyPassphrase
	}
	if config.Host == "" {
		config.Host = c.Host
	}
	if config.Port == 0 {
		config.Port = c.Port
	}
	if config.Protocol == "" {
		config.Protocol = c.Protocol
	}
}

// RemoteConfig builds a fresh configuration from the credentials alone,
// with passive mode and TLS verification on.
func (c *Credentials) RemoteConfig() *client.RemoteConfig {
	config := &client.RemoteConfig{
		Passive:   true,
		VerifySSL: true,
	}
	c.Apply(config)
	return config
}

// MemoryStore is an in-process Store. It is safe for concurrent use and
// hands out copies, so callers cannot mutate stored entries.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Credentials
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Credentials)}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Credentials, error) {
	if err := ctx.Err(); err != nil {
		return nil, client.WrapRemote(err, client.KindOther, "credential lookup for %s cancelled", id)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	creds, ok := s.entries[id]
	if !ok {
		return nil, NotFound(id)
	}
	return creds.Clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, id string, creds *Credentials) error {
	if err := ctx.Err(); err != nil {
		return client.WrapRemote(err, client.KindOther, "credential update for %s cancelled", id)
	}
	if id == "" {
		return client.NewError(client.KindInvalidConfig, "credential id is required")
	}
	if creds == nil {
		return client.NewError(client.KindInvalidConfig, "credentials for %s are nil", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = creds.Clone()
	return nil
}

// Delete removes id. Deleting an unknown id reports NotFound.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return client.WrapRemote(err, client.KindOther, "credential delete for %s cancelled", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return NotFound(id)
	}
	delete(s.entries, id)
	return nil
}

// IDs lists stored ids in sorted order.
func (s *MemoryStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
