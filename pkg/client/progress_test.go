package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type progressCall struct {
	transferred int64
	total       int64
}

func TestCopyWithProgress_ChunkBoundaries(t *testing.T) {
	src := strings.NewReader(strings.Repeat("x", 10))
	var dst bytes.Buffer
	var calls []progressCall

	n, err := CopyWithProgress(context.Background(), &dst, src, 4, 0, 10, func(transferred, total int64) {
		calls = append(calls, progressCall{transferred, total})
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	assert.Equal(t, strings.Repeat("x", 10), dst.String())
	assert.Equal(t, []progressCall{{4, 10}, {8, 10}, {10, 10}}, calls)
}

func TestCopyWithProgress_StartOffset(t *testing.T) {
	var last int64
	_, err := CopyWithProgress(context.Background(), io.Discard, strings.NewReader("abc"), 8, 5, 8, func(transferred, total int64) {
		last = transferred
	})
	require.NoError(t, err)
	assert.Equal(t, int64(8), last)
}

func TestCopyWithProgress_NilProgress(t *testing.T) {
	var dst bytes.Buffer
	n, err := CopyWithProgress(context.Background(), &dst, strings.NewReader("hello"), 0, 0, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }

type failingReader struct{}

func (failingReader) Read(p []byte) (int, error) { return 0, errors.New("connection reset") }

func TestCopyWithProgress_ReportsFailingSide(t *testing.T) {
	_, err := CopyWithProgress(context.Background(), failingWriter{}, strings.NewReader("data"), 4, 0, 4, nil)
	var copyErr *CopyError
	require.ErrorAs(t, err, &copyErr)
	assert.False(t, copyErr.Read)

	wrapped := WrapCopyError(err, KindTransferFailed, KindIO, "download %s", "/f")
	assert.True(t, IsKind(wrapped, KindIO))

	_, err = CopyWithProgress(context.Background(), io.Discard, failingReader{}, 4, 0, 4, nil)
	require.ErrorAs(t, err, &copyErr)
	assert.True(t, copyErr.Read)

	wrapped = WrapCopyError(err, KindTransferFailed, KindIO, "download %s", "/f")
	assert.True(t, IsKind(wrapped, KindTransferFailed))
}

func TestCopyWithProgress_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := CopyWithProgress(ctx, io.Discard, strings.NewReader("data"), 4, 0, 4, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProgressReader(t *testing.T) {
	var calls []progressCall
	r := NewProgressReader(strings.NewReader(strings.Repeat("y", 20)), 8, 0, 20, func(transferred, total int64) {
		calls = append(calls, progressCall{transferred, total})
	})

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Len(t, data, 20)
	assert.Equal(t, int64(20), r.Transferred())
	require.NotEmpty(t, calls)
	for _, c := range calls {
		assert.LessOrEqual(t, c.transferred, int64(20))
	}
	assert.Equal(t, int64(20), calls[len(calls)-1].transferred)
}
