package downloader

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// ChunkSize bounds the memory a transfer uses regardless of file size.
const ChunkSize = 256 * 1024

// Transferer streams the body at url into w and returns the bytes written.
type Transferer interface {
	Fetch(ctx context.Context, url string, w io.Writer) (int64, error)
}

// HTTPTransferer fetches over HTTP(S).
type HTTPTransferer struct {
	Client *http.Client
}

// NewHTTPTransferer returns a transferer whose client gives up after timeout.
func NewHTTPTransferer(timeout time.Duration) *HTTPTransferer {
	return &HTTPTransferer{Client: &http.Client{Timeout: timeout}}
}

func (h *HTTPTransferer) Fetch(ctx context.Context, url string, w io.Writer) (int64, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.CopyBuffer(w, resp.Body, make([]byte, ChunkSize))
}

// fetchToFile writes the transfer to path, replacing any partial earlier attempt.
func fetchToFile(ctx context.Context, t Transferer, url, path string) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := t.Fetch(ctx, url, out); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// checksum re-reads path and returns its size and hex SHA-1.
func checksum(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()
	h := sha1.New()
	n, err := io.CopyBuffer(h, f, make([]byte, ChunkSize))
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// copyFile duplicates src at dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.CopyBuffer(out, in, make([]byte, ChunkSize)); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
