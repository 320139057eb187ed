package client

import (
	"context"
	"time"
)

// TransferItem is one entry of a multi-item transfer.
type TransferItem struct {
	RemotePath string `json:"remote_path"`
	LocalPath  string `json:"local_path"`
}

// TransferResult represents the outcome of one item in a batch.
type TransferResult struct {
	Item      TransferItem  `json:"item"`
	Success   bool          `json:"success"`
	Bytes     int64         `json:"bytes"`
	Error     error         `json:"-"`
	TimeTaken time.Duration `json:"time_taken"`
}

// DownloadMultiple downloads each item in order through c, one at a time
// whatever opts.MaxConcurrent says. Every item is attempted even after a
// failure. The same progress function is shared by all items and receives
// per-item counts.
func DownloadMultiple(ctx context.Context, c Client, items []TransferItem, opts TransferOptions, progress ProgressFunc) []TransferResult {
	return runBatch(items, progress, func(item TransferItem, p ProgressFunc) error {
		return c.Download(ctx, item.RemotePath, item.LocalPath, opts, p)
	})
}

// UploadMultiple uploads each item in order through c, with the same
// semantics as DownloadMultiple.
func UploadMultiple(ctx context.Context, c Client, items []TransferItem, opts TransferOptions, progress ProgressFunc) []TransferResult {
	return runBatch(items, progress, func(item TransferItem, p ProgressFunc) error {
		return c.Upload(ctx, item.LocalPath, item.RemotePath, opts, p)
	})
}

func runBatch(items []TransferItem, progress ProgressFunc, transfer func(TransferItem, ProgressFunc) error) []TransferResult {
	results := make([]TransferResult, 0, len(items))
	for _, item := range items {
		var last int64
		track := func(transferred, total int64) {
			last = transferred
			if progress != nil {
				progress(transferred, total)
			}
		}

		start := time.Now()
		err := transfer(item, track)
		results = append(results, TransferResult{
			Item:      item,
			Success:   err == nil,
			Bytes:     last,
			Error:     err,
			TimeTaken: time.Since(start),
		})
	}
	return results
}
