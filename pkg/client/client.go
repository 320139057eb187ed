// Package client defines the unified remote filesystem contract shared by
// the SFTP, FTP/FTPS and WebDAV clients, together with the data model and
// error taxonomy every protocol normalizes into.
package client

import (
	"context"
	"mime"
	"path"
	"strings"
	"time"
)

// FileType classifies a remote directory entry.
type FileType string

const (
	FileTypeFile      FileType = "file"
	FileTypeDirectory FileType = "directory"
	FileTypeSymlink   FileType = "symlink"
	FileTypeOther     FileType = "other"
)

// Permissions holds Unix-style permission flags for a remote entry.
// Mode carries the raw numeric mode when the protocol reports one.
type Permissions struct {
	Read    bool    `json:"read"`
	Write   bool    `json:"write"`
	Execute bool    `json:"execute"`
	Mode    *uint32 `json:"mode,omitempty"`
}

// PermissionsFromMode builds Permissions from Unix mode bits. Each flag is
// set when any of the owner, group or other triads grants it.
func PermissionsFromMode(mode uint32) *Permissions {
	perm := mode & 0o7777
	return &Permissions{
		Read:    perm&0o444 != 0,
		Write:   perm&0o222 != 0,
		Execute: perm&0o111 != 0,
		Mode:    &perm,
	}
}

// FileInfo represents a remote file or directory. A fresh value is
// produced on every listing or stat call.
type FileInfo struct {
	Name        string       `json:"name"`
	Path        string       `json:"path"`
	Size        int64        `json:"size"`
	ModTime     *time.Time   `json:"modified,omitempty"`
	Created     *time.Time   `json:"created,omitempty"`
	Type        FileType     `json:"file_type"`
	Permissions *Permissions `json:"permissions,omitempty"`
	MimeType    string       `json:"mime_type,omitempty"`
	Hidden      bool         `json:"is_hidden"`
	Owner       string       `json:"owner,omitempty"`
	Group       string       `json:"group,omitempty"`
}

// NewFileInfo creates a FileInfo with the name-derived fields filled in.
// Directories always report a zero size.
func NewFileInfo(name, fullPath string, fileType FileType, size int64) *FileInfo {
	info := &FileInfo{
		Name:   name,
		Path:   fullPath,
		Size:   size,
		Type:   fileType,
		Hidden: strings.HasPrefix(name, "."),
	}
	if fileType == FileTypeDirectory {
		info.Size = 0
	} else {
		info.MimeType = MimeTypeFor(name)
	}
	return info
}

// IsDir reports whether the entry is a directory.
func (f *FileInfo) IsDir() bool {
	return f.Type == FileTypeDirectory
}

// MimeTypeFor derives a MIME type from the file extension, without
// parameters. It returns an empty string when the extension is unknown.
func MimeTypeFor(name string) string {
	ext := path.Ext(name)
	if ext == "" {
		return ""
	}
	t := mime.TypeByExtension(strings.ToLower(ext))
	t, _, _ = strings.Cut(t, ";")
	return strings.TrimSpace(t)
}

// TimePtr returns a pointer to t, or nil for the zero time.
func TimePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// DiskSpace reports capacity of a remote filesystem.
type DiskSpace struct {
	Total     uint64 `json:"total"`
	Free      uint64 `json:"free"`
	Available uint64 `json:"available"`
}

// ConnectionState is one of the four states of a client connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

// ConnectionStatus is the current state of a client plus the failure
// message when State is StateError.
type ConnectionStatus struct {
	State   ConnectionState `json:"state"`
	Message string          `json:"message,omitempty"`
}

func Disconnected() ConnectionStatus { return ConnectionStatus{State: StateDisconnected} }
func Connecting() ConnectionStatus   { return ConnectionStatus{State: StateConnecting} }
func Connected() ConnectionStatus    { return ConnectionStatus{State: StateConnected} }

// Failed returns an error status carrying msg.
func Failed(msg string) ConnectionStatus {
	return ConnectionStatus{State: StateError, Message: msg}
}

// IsConnected reports whether the status is StateConnected.
func (s ConnectionStatus) IsConnected() bool {
	return s.State == StateConnected
}

func (s ConnectionStatus) String() string {
	if s.State == StateError && s.Message != "" {
		return string(s.State) + ": " + s.Message
	}
	return string(s.State)
}

// TransferOptions controls download and upload behaviour.
type TransferOptions struct {
	// Overwrite replaces an existing destination from offset zero and
	// takes precedence over Resume.
	Overwrite bool `json:"overwrite"`
	// Resume continues a partial transfer when the destination exists and
	// is shorter than the source and Overwrite is off. Only honoured by
	// SFTP.
	Resume              bool `json:"resume"`
	PreserveTimestamps  bool `json:"preserve_timestamps"`
	PreservePermissions bool `json:"preserve_permissions"`
	// MaxConcurrent is carried for callers that spread items over several
	// clients. DownloadMultiple and UploadMultiple ignore it: one client
	// carries one transfer at a time.
	MaxConcurrent int `json:"max_concurrent"`
	BufferSize    int `json:"buffer_size"`
}

// DefaultBufferSize is the transfer chunk size used when none is set.
const DefaultBufferSize = 8 * 1024

// DefaultTransferOptions returns no-overwrite, resume, preserve-timestamps
// options with an 8 KiB buffer.
func DefaultTransferOptions() TransferOptions {
	return TransferOptions{
		Overwrite:          false,
		Resume:             true,
		PreserveTimestamps: true,
		MaxConcurrent:      1,
		BufferSize:         DefaultBufferSize,
	}
}

// ChunkSize returns the effective buffer size.
func (o TransferOptions) ChunkSize() int {
	if o.BufferSize <= 0 {
		return DefaultBufferSize
	}
	return o.BufferSize
}

// ProgressFunc is invoked synchronously with the bytes transferred so far
// and the total, once per buffer-sized chunk. Total is 0 when unknown.
type ProgressFunc func(transferred, total int64)

// Client defines the operations every remote filesystem protocol offers.
// Operations other than Connect, Disconnect and Status connect on demand.
// A Client is not safe for concurrent use.
type Client interface {
	// Connection management
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Status() ConnectionStatus
	TestConnection(ctx context.Context) error

	// Metadata
	ListDirectory(ctx context.Context, path string) ([]*FileInfo, error)
	GetFileInfo(ctx context.Context, path string) (*FileInfo, error)
	Exists(ctx context.Context, path string) (bool, error)

	// Mutation
	CreateDirectory(ctx context.Context, path string, recursive bool) error
	Remove(ctx context.Context, path string, recursive bool) error
	Rename(ctx context.Context, from, to string) error

	// Transfer
	Download(ctx context.Context, remotePath, localPath string, opts TransferOptions, progress ProgressFunc) error
	Upload(ctx context.Context, localPath, remotePath string, opts TransferOptions, progress ProgressFunc) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error

	// Capabilities
	GetDiskSpace(ctx context.Context, path string) (*DiskSpace, error)
	SetPermissions(ctx context.Context, path string, mode uint32) error

	GetProtocol() Protocol
	GetConfig() *RemoteConfig
}

// Factory creates clients based on protocol.
type Factory interface {
	CreateClient(config *RemoteConfig) (Client, error)
	SupportedProtocols() []Protocol
}
