package ftp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	goftp "github.com/jlaffaye/ftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digital.vasic.remotefs/pkg/client"
)

// Verify FTP Client implements client.Client interface.
var _ client.Client = (*Client)(nil)

// fakeServer is an in-memory FTP server behind the conn interface.
type fakeServer struct {
	password string
	files    map[string][]byte
	dirs     map[string]bool
	cwd      string
	loggedIn bool
	quits    int
	commands []string
	// entriesOnly answers LIST without raw lines, as for listings the
	// library could parse but that are not Unix-style.
	entriesOnly bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		password: "secret",
		files:    map[string][]byte{},
		dirs:     map[string]bool{"/": true},
		cwd:      "/",
	}
}

func reply(code int, msg string) error {
	return &textproto.Error{Code: code, Msg: msg}
}

func (f *fakeServer) abs(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = path.Join(f.cwd, p)
	}
	return path.Clean(p)
}

func (f *fakeServer) Login(user, password string) error {
	f.commands = append(f.commands, "USER "+user)
	if password != f.password {
		return reply(codeNotLoggedIn, "Login incorrect.")
	}
	f.loggedIn = true
	return nil
}

func (f *fakeServer) ChangeDir(p string) error {
	p = f.abs(p)
	if !f.dirs[p] {
		return reply(codeFileUnavailable, "No such directory.")
	}
	f.cwd = p
	return nil
}

func (f *fakeServer) CurrentDir() (string, error) {
	return f.cwd, nil
}

func (f *fakeServer) List(p string) (*listing, error) {
	dir := f.abs(p)
	if !f.dirs[dir] {
		return nil, reply(codeFileUnavailable, "No such directory.")
	}
	if f.entriesOnly {
		return &listing{Entries: f.entries(dir)}, nil
	}

	lines := []string{
		"drwxr-xr-x    3 ftp      ftp          4096 Jan 01 00:00 .",
		"drwxr-xr-x    3 ftp      ftp          4096 Jan 01 00:00 ..",
	}
	for _, entry := range f.entries(dir) {
		if entry.Type == goftp.EntryTypeFolder {
			lines = append(lines, fmt.Sprintf("drwxr-x---    2 ftp      staff     %8d Dec 25 12:34 %s", entry.Size, entry.Name))
		} else {
			lines = append(lines, fmt.Sprintf("-rw-r--r--    1 alice    users     %8d Dec 25 12:34 %s", entry.Size, entry.Name))
		}
	}
	return &listing{Lines: append([]string{fmt.Sprintf("total %d", len(lines))}, lines...)}, nil
}

// entries returns the children of dir the way the FTP library reports
// them.
func (f *fakeServer) entries(dir string) []*goftp.Entry {
	var entries []*goftp.Entry
	for d := range f.dirs {
		if d != "/" && path.Dir(d) == dir {
			entries = append(entries, &goftp.Entry{Name: path.Base(d), Type: goftp.EntryTypeFolder, Size: 4096})
		}
	}
	for name, data := range f.files {
		if path.Dir(name) == dir {
			entries = append(entries, &goftp.Entry{Name: path.Base(name), Type: goftp.EntryTypeFile, Size: uint64(len(data))})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

func (f *fakeServer) Retr(p string) (io.ReadCloser, error) {
	data, ok := f.files[f.abs(p)]
	if !ok {
		return nil, reply(codeFileUnavailable, "No such file.")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeServer) Stor(p string, r io.Reader) error {
	p = f.abs(p)
	if !f.dirs[path.Dir(p)] {
		return reply(codeFileUnavailable, "No such directory.")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.files[p] = data
	return nil
}

func (f *fakeServer) MakeDir(p string) error {
	p = f.abs(p)
	if f.dirs[p] || f.files[p] != nil {
		return reply(codeFileUnavailable, "File exists.")
	}
	if !f.dirs[path.Dir(p)] {
		return reply(codeFileUnavailable, "No such directory.")
	}
	f.dirs[p] = true
	return nil
}

func (f *fakeServer) RemoveDir(p string) error {
	p = f.abs(p)
	if !f.dirs[p] {
		return reply(codeFileUnavailable, "No such directory.")
	}
	for d := range f.dirs {
		if path.Dir(d) == p && d != p {
			return reply(codeFileUnavailable, "Directory not empty.")
		}
	}
	for name := range f.files {
		if path.Dir(name) == p {
			return reply(codeFileUnavailable, "Directory not empty.")
		}
	}
	delete(f.dirs, p)
	return nil
}

func (f *fakeServer) Delete(p string) error {
	p = f.abs(p)
	if _, ok := f.files[p]; !ok {
		return reply(codeFileUnavailable, "No such file.")
	}
	delete(f.files, p)
	return nil
}

func (f *fakeServer) Rename(from, to string) error {
	from, to = f.abs(from), f.abs(to)
	data, ok := f.files[from]
	if !ok {
		return reply(codeFileUnavailable, "No such file.")
	}
	delete(f.files, from)
	f.files[to] = data
	return nil
}

func (f *fakeServer) FileSize(p string) (int64, error) {
	data, ok := f.files[f.abs(p)]
	if !ok {
		return 0, reply(codeFileUnavailable, "Could not get file size.")
	}
	return int64(len(data)), nil
}

func (f *fakeServer) NoOp() error {
	f.commands = append(f.commands, "NOOP")
	return nil
}

func (f *fakeServer) Quit() error {
	f.quits++
	return nil
}

func testConfig() *client.RemoteConfig {
	return &client.RemoteConfig{
		Protocol: client.ProtocolFTP,
		Host:     "ftp.example.com",
		Username: "user",
		Password: client.StringPtr("secret"),
		Passive:  true,
	}
}

func newTestClient(t *testing.T, config *client.RemoteConfig) (*Client, *fakeServer) {
	t.Helper()
	if config == nil {
		config = testConfig()
	}
	server := newFakeServer()
	c := NewFTPClient(config)
	c.dial = func(ctx context.Context, config *client.RemoteConfig) (conn, error) {
		return server, nil
	}
	return c, server
}

func TestNewFTPClient(t *testing.T) {
	config := testConfig()
	c := NewFTPClient(config)
	require.NotNil(t, c)
	assert.Equal(t, config, c.GetConfig())
	assert.Equal(t, client.ProtocolFTP, c.GetProtocol())
	assert.Equal(t, client.StateDisconnected, c.Status().State)
	assert.Nil(t, c.conn)

	config.Protocol = client.ProtocolFTPS
	assert.Equal(t, client.ProtocolFTPS, NewFTPClient(config).GetProtocol())
}

func TestFTPClient_ResolvePath(t *testing.T) {
	c := NewFTPClient(&client.RemoteConfig{BasePath: "/data"})
	assert.Equal(t, "/data/subdir/file.txt", c.resolvePath("subdir/file.txt"))
	assert.Equal(t, "/other/file.txt", c.resolvePath("/other/file.txt"))

	c = NewFTPClient(&client.RemoteConfig{})
	assert.Equal(t, "subdir/file.txt", c.resolvePath("subdir/file.txt"))
}

func TestFTPClient_ConnectChangesIntoBasePath(t *testing.T) {
	config := testConfig()
	config.BasePath = "/data"
	c, server := newTestClient(t, config)
	server.dirs["/data"] = true
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	assert.True(t, c.Status().IsConnected())
	assert.True(t, server.loggedIn)
	assert.Equal(t, "/data", server.cwd)

	require.NoError(t, c.TestConnection(ctx))
	assert.Contains(t, server.commands, "NOOP")

	require.NoError(t, c.Disconnect(ctx))
	assert.Equal(t, client.StateDisconnected, c.Status().State)
	assert.Equal(t, 1, server.quits)
}

func TestFTPClient_ConnectMissingBasePath(t *testing.T) {
	config := testConfig()
	config.BasePath = "/missing"
	c, server := newTestClient(t, config)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, client.IsNotFound(err))
	assert.Equal(t, client.StateError, c.Status().State)
	assert.Equal(t, 1, server.quits)
}

func TestFTPClient_LoginFailure(t *testing.T) {
	config := testConfig()
	config.Password = client.StringPtr("wrong")
	c, _ := newTestClient(t, config)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, client.IsKind(err, client.KindAuthenticationFailed))
	assert.Equal(t, client.StateError, c.Status().State)
	assert.Contains(t, c.Status().String(), "error: ")
}

func TestFTPClient_DialFailure(t *testing.T) {
	c := NewFTPClient(testConfig())
	c.dial = func(ctx context.Context, config *client.RemoteConfig) (conn, error) {
		return nil, errors.New("connection refused")
	}

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, client.IsKind(err, client.KindConnectionFailed))
	assert.Contains(t, err.Error(), "ftp.example.com:21")
}

func TestFTPClient_ListDirectory(t *testing.T) {
	c, server := newTestClient(t, nil)
	server.dirs["/docs"] = true
	server.dirs["/docs/sub"] = true
	server.files["/docs/a.txt"] = []byte("hello")

	entries, err := c.ListDirectory(context.Background(), "/docs")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, "/docs/a.txt", entries[0].Path)
	assert.Equal(t, int64(5), entries[0].Size)
	assert.Equal(t, client.FileTypeFile, entries[0].Type)
	assert.Nil(t, entries[0].ModTime)
	require.NotNil(t, entries[0].Permissions)
	assert.Equal(t, uint32(0o644), *entries[0].Permissions.Mode)
	assert.True(t, entries[0].Permissions.Read)
	assert.False(t, entries[0].Permissions.Execute)
	assert.Equal(t, "alice", entries[0].Owner)
	assert.Equal(t, "users", entries[0].Group)

	assert.Equal(t, "sub", entries[1].Name)
	assert.True(t, entries[1].IsDir())
	assert.Equal(t, int64(0), entries[1].Size)
	require.NotNil(t, entries[1].Permissions)
	assert.Equal(t, uint32(0o750), *entries[1].Permissions.Mode)
	assert.Equal(t, "staff", entries[1].Group)

	_, err = c.ListDirectory(context.Background(), "/nope")
	assert.True(t, client.IsNotFound(err))
}

func TestFTPClient_ListDirectoryNonUnixListing(t *testing.T) {
	c, server := newTestClient(t, nil)
	server.entriesOnly = true
	server.dirs["/docs"] = true
	server.files["/docs/a.txt"] = []byte("hello")

	entries, err := c.ListDirectory(context.Background(), "/docs")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, int64(5), entries[0].Size)
	assert.Nil(t, entries[0].Permissions)
	assert.Empty(t, entries[0].Owner)
}

func TestFTPClient_RelativeBasePath(t *testing.T) {
	config := testConfig()
	config.BasePath = "pub"
	c, server := newTestClient(t, config)
	server.dirs["/pub"] = true
	server.files["/pub/a.txt"] = []byte("payload")
	ctx := context.Background()

	data, err := c.ReadFile(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, "/pub", server.cwd)

	entries, err := c.ListDirectory(ctx, ".")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/pub/a.txt", entries[0].Path)

	require.NoError(t, c.WriteFile(ctx, "b.txt", []byte("x")))
	assert.Contains(t, server.files, "/pub/b.txt")
	assert.NotContains(t, server.files, "/pub/pub/b.txt")
}

func TestFTPClient_GetFileInfo(t *testing.T) {
	c, server := newTestClient(t, nil)
	server.files["/report.pdf"] = []byte("pdf")
	ctx := context.Background()

	info, err := c.GetFileInfo(ctx, "/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", info.Name)
	assert.Equal(t, int64(3), info.Size)
	assert.Equal(t, "application/pdf", info.MimeType)

	root, err := c.GetFileInfo(ctx, "/")
	require.NoError(t, err)
	assert.True(t, root.IsDir())

	_, err = c.GetFileInfo(ctx, "/missing")
	assert.True(t, client.IsNotFound(err))

	exists, err := c.Exists(ctx, "/missing")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = c.Exists(ctx, "/report.pdf")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestFTPClient_CreateDirectory(t *testing.T) {
	c, server := newTestClient(t, nil)
	ctx := context.Background()

	require.NoError(t, c.CreateDirectory(ctx, "/a/b/c", true))
	require.NoError(t, c.CreateDirectory(ctx, "/a/b/c", true))
	assert.True(t, server.dirs["/a"])
	assert.True(t, server.dirs["/a/b"])
	assert.True(t, server.dirs["/a/b/c"])

	err := c.CreateDirectory(ctx, "/a/b/c", false)
	require.Error(t, err)
	assert.True(t, client.IsKind(err, client.KindProtocol))
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, c.CreateDirectory(ctx, "/a/d", false))
	assert.True(t, server.dirs["/a/d"])
}

func TestFTPClient_RemoveRecursive(t *testing.T) {
	c, server := newTestClient(t, nil)
	server.dirs["/tree"] = true
	server.dirs["/tree/sub"] = true
	server.files["/tree/one.txt"] = []byte("1")
	server.files["/tree/sub/two.txt"] = []byte("2")
	ctx := context.Background()

	err := c.Remove(ctx, "/tree", false)
	require.Error(t, err)
	assert.True(t, server.dirs["/tree"])

	require.NoError(t, c.Remove(ctx, "/tree", true))
	assert.False(t, server.dirs["/tree"])
	assert.False(t, server.dirs["/tree/sub"])
	assert.Empty(t, server.files)
}

func TestFTPClient_RemoveFileAndRename(t *testing.T) {
	c, server := newTestClient(t, nil)
	server.files["/old.txt"] = []byte("x")
	ctx := context.Background()

	require.NoError(t, c.Rename(ctx, "/old.txt", "/new.txt"))
	assert.Contains(t, server.files, "/new.txt")

	require.NoError(t, c.Remove(ctx, "/new.txt", false))
	assert.NotContains(t, server.files, "/new.txt")

	err := c.Rename(ctx, "/gone.txt", "/x.txt")
	assert.True(t, client.IsNotFound(err))
}

func TestFTPClient_UploadDownloadRoundTrip(t *testing.T) {
	c, server := newTestClient(t, nil)
	ctx := context.Background()
	tempDir := t.TempDir()

	payload := bytes.Repeat([]byte("abcdefgh"), 3000)
	src := filepath.Join(tempDir, "src.bin")
	require.NoError(t, os.WriteFile(src, payload, 0o644))

	opts := client.DefaultTransferOptions()
	var uploadCalls int
	var lastUpload int64
	require.NoError(t, c.Upload(ctx, src, "/payload.bin", opts, func(transferred, total int64) {
		uploadCalls++
		lastUpload = transferred
		assert.Equal(t, int64(len(payload)), total)
	}))
	assert.Equal(t, payload, server.files["/payload.bin"])
	assert.Equal(t, int64(len(payload)), lastUpload)
	assert.GreaterOrEqual(t, uploadCalls, 3)

	dst := filepath.Join(tempDir, "dst.bin")
	var calls []int64
	require.NoError(t, c.Download(ctx, "/payload.bin", dst, opts, func(transferred, total int64) {
		calls = append(calls, transferred)
	}))
	assert.Equal(t, []int64{8192, 16384, 24000}, calls)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFTPClient_UploadExistingWithoutOverwrite(t *testing.T) {
	c, server := newTestClient(t, nil)
	server.files["/exists.txt"] = []byte("old")
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("new"), 0o644))

	opts := client.DefaultTransferOptions()
	err := c.Upload(ctx, src, "/exists.txt", opts, nil)
	require.Error(t, err)
	assert.True(t, client.IsKind(err, client.KindTransferFailed))

	opts.Overwrite = true
	require.NoError(t, c.Upload(ctx, src, "/exists.txt", opts, nil))
	assert.Equal(t, "new", string(server.files["/exists.txt"]))
}

func TestFTPClient_DownloadMissing(t *testing.T) {
	c, _ := newTestClient(t, nil)
	err := c.Download(context.Background(), "/missing.bin", filepath.Join(t.TempDir(), "m"), client.DefaultTransferOptions(), nil)
	require.Error(t, err)
	assert.True(t, client.IsNotFound(err))
}

func TestFTPClient_ReadWriteFile(t *testing.T) {
	c, server := newTestClient(t, nil)
	ctx := context.Background()

	require.NoError(t, c.WriteFile(ctx, "/note.txt", []byte("hello")))
	assert.Equal(t, "hello", string(server.files["/note.txt"]))

	data, err := c.ReadFile(ctx, "/note.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = c.ReadFile(ctx, "/missing.txt")
	assert.True(t, client.IsNotFound(err))
}

func TestFTPClient_UnsupportedCapabilities(t *testing.T) {
	c, server := newTestClient(t, nil)
	ctx := context.Background()

	space, err := c.GetDiskSpace(ctx, "/")
	require.NoError(t, err)
	assert.Nil(t, space)

	err = c.SetPermissions(ctx, "/file", 0o644)
	require.Error(t, err)
	assert.True(t, client.IsKind(err, client.KindOther))
	assert.Empty(t, server.commands)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, client.KindAuthenticationFailed, classify(reply(530, "no"), client.KindProtocol))
	assert.Equal(t, client.KindFileNotFound, classify(reply(550, "no"), client.KindProtocol))
	assert.Equal(t, client.KindPermissionDenied, classify(reply(553, "no"), client.KindProtocol))
	assert.Equal(t, client.KindNetwork, classify(reply(421, "bye"), client.KindProtocol))
	assert.Equal(t, client.KindProtocol, classify(reply(500, "?"), client.KindProtocol))
	assert.Equal(t, client.KindTransferFailed, classify(errors.New("boom"), client.KindTransferFailed))
}

func TestFTPClient_NetworkErrorForcesReconnect(t *testing.T) {
	c, server := newTestClient(t, nil)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	err := c.wrap(reply(codeServiceNotAvailable, "closing"), client.KindProtocol, "failed")
	assert.True(t, client.IsKind(err, client.KindNetwork))
	assert.Equal(t, client.StateError, c.Status().State)
	assert.Equal(t, 1, server.quits)

	require.NoError(t, c.TestConnection(ctx))
	assert.True(t, c.Status().IsConnected())
}
