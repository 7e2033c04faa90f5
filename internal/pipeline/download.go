package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MaxStatementBytes caps downloaded bank statements at 15MB.
const MaxStatementBytes = 15 << 20

// ErrInvalidPDF marks a downloaded statement the parser should not see.
var ErrInvalidPDF = errors.New("pipeline: invalid pdf")

// Downloader fetches statements to a scratch directory.
type Downloader struct {
	Dir    string
	Client *http.Client
}

func NewDownloader(dir string, timeout time.Duration) *Downloader {
	return &Downloader{Dir: dir, Client: &http.Client{Timeout: timeout}}
}

// Download streams url into a scratch file and returns its path. The write
// is capped at MaxStatementBytes; oversized responses abort the download.
func (d *Downloader) Download(ctx context.Context, url string) (string, error) {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(d.Dir, "uw_*.pdf")
	if err != nil {
		return "", err
	}
	path := tmp.Name()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		tmp.Close()
		os.Remove(path)
		return "", err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		tmp.Close()
		os.Remove(path)
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		tmp.Close()
		os.Remove(path)
		return "", fmt.Errorf("statement download returned status %d", resp.StatusCode)
	}

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, MaxStatementBytes+1))
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && n > MaxStatementBytes {
		err = fmt.Errorf("%w: exceeds %d bytes", ErrInvalidPDF, MaxStatementBytes)
	}
	if err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// Cleanup removes a scratch file, tolerating absence.
func Cleanup(path string) {
	if path != "" {
		os.Remove(path)
	}
}

// ValidatePDF checks the scratch file before surrendering it to the parser:
// it must exist, look like a PDF by extension, and fit the size cap.
func ValidatePDF(path string) error {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return fmt.Errorf("%w: file not found", ErrInvalidPDF)
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext != "" && ext != ".pdf" {
		return fmt.Errorf("%w: unexpected extension %s", ErrInvalidPDF, ext)
	}
	if info.Size() > MaxStatementBytes {
		return fmt.Errorf("%w: exceeds %d bytes", ErrInvalidPDF, MaxStatementBytes)
	}
	return nil
}
