// Package downloader fetches the Xray engine from its GitHub releases.
package downloader

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"rayconf/internal/logger"

	"github.com/klauspost/compress/zip"
	"github.com/schollz/progressbar/v3"
)

const DefaultReleaseURL = "https://api.github.com/repos/XTLS/Xray-core/releases/latest"

var (
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrAssetNotFound       = errors.New("release asset not found")
	ErrDigestMismatch      = errors.New("digest mismatch")
)

// DownloadError wraps any failure of the download flow with the step that
// failed.
type DownloadError struct {
	Op  string
	URL string
	Err error
}

func (e *DownloadError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("download %s (%s): %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("download %s: %v", e.Op, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

type Release struct {
	TagName string  `json:"tag_name"`
	Assets  []Asset `json:"assets"`
}

type Asset struct {
	Name        string `json:"name"`
	DownloadURL string `json:"browser_download_url"`
	Size        int64  `json:"size"`
}

type Downloader struct {
	ReleaseURL string
	Dir        string
	GOOS       string
	GOARCH     string
	Client     *http.Client
	// Progress receives the progress bar. nil disables it.
	Progress io.Writer
}

func New(dir string) *Downloader {
	return &Downloader{
		ReleaseURL: DefaultReleaseURL,
		Dir:        dir,
		GOOS:       runtime.GOOS,
		GOARCH:     runtime.GOARCH,
		Client:     &http.Client{Timeout: 5 * time.Minute},
		Progress:   os.Stderr,
	}
}

// AssetName maps a Go platform to the release archive name.
func AssetName(goos, goarch string) (string, error) {
	var arch string
	switch goarch {
	case "amd64":
		arch = "64"
	case "386":
		arch = "32"
	case "arm64":
		arch = "arm64-v8a"
	case "arm":
		arch = "arm32-v7a"
	case "riscv64":
		arch = "riscv64"
	}

	var system string
	switch goos {
	case "linux":
		system = "linux"
	case "darwin":
		system = "macos"
		if goarch != "amd64" && goarch != "arm64" {
			arch = ""
		}
	case "windows":
		system = "windows"
		if goarch == "arm" || goarch == "riscv64" {
			arch = ""
		}
	case "freebsd":
		system = "freebsd"
		if goarch != "amd64" && goarch != "386" {
			arch = ""
		}
	}

	if system == "" || arch == "" {
		return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedPlatform, goos, goarch)
	}
	return fmt.Sprintf("Xray-%s-%s.zip", system, arch), nil
}

// BinaryName is the engine executable name inside the archive.
func BinaryName(goos string) string {
	if goos == "windows" {
		return "xray.exe"
	}
	return "xray"
}

func (d *Downloader) BinaryPath() string {
	return filepath.Join(d.Dir, BinaryName(d.GOOS))
}

// Ensure returns the engine path, downloading it only when missing.
func (d *Downloader) Ensure(ctx context.Context) (string, error) {
	bin := d.BinaryPath()
	if info, err := os.Stat(bin); err == nil && !info.IsDir() {
		logger.Log.Debugf("Engine binary already exists at %s", bin)
		return bin, nil
	}
	return d.Download(ctx)
}

// Latest fetches the release metadata.
func (d *Downloader) Latest(ctx context.Context) (*Release, error) {
	resp, err := d.get(ctx, d.ReleaseURL)
	if err != nil {
		return nil, &DownloadError{Op: "release info", URL: d.ReleaseURL, Err: err}
	}
	defer resp.Body.Close()

	var rel Release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, &DownloadError{Op: "release info", URL: d.ReleaseURL, Err: err}
	}
	return &rel, nil
}

// Download fetches the latest release archive for the configured platform,
// verifies it, and extracts it into Dir. Existing files are replaced.
func (d *Downloader) Download(ctx context.Context) (string, error) {
	name, err := AssetName(d.GOOS, d.GOARCH)
	if err != nil {
		return "", &DownloadError{Op: "asset", Err: err}
	}

	rel, err := d.Latest(ctx)
	if err != nil {
		return "", err
	}
	archive, digest := findAsset(rel, name)
	if archive == nil {
		return "", &DownloadError{Op: "asset", URL: d.ReleaseURL, Err: fmt.Errorf("%w: %s in %s", ErrAssetNotFound, name, rel.TagName)}
	}

	if err := os.MkdirAll(d.Dir, 0755); err != nil {
		return "", &DownloadError{Op: "prepare", Err: err}
	}
	tmp, err := os.CreateTemp(d.Dir, ".download-*.zip")
	if err != nil {
		return "", &DownloadError{Op: "prepare", Err: err}
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	logger.Log.Infof("⬇️  Downloading %s %s", name, rel.TagName)
	sum, size, err := d.fetch(ctx, archive, tmp)
	if err != nil {
		return "", &DownloadError{Op: "archive", URL: archive.DownloadURL, Err: err}
	}

	if digest != nil {
		want, err := d.fetchDigest(ctx, digest.DownloadURL)
		if err != nil {
			return "", &DownloadError{Op: "digest", URL: digest.DownloadURL, Err: err}
		}
		if !strings.EqualFold(want, sum) {
			return "", &DownloadError{Op: "verify", URL: archive.DownloadURL, Err: fmt.Errorf("%w: got %s, want %s", ErrDigestMismatch, sum, want)}
		}
		logger.Log.Debugf("SHA2-256 verified: %s", sum)
	} else {
		logger.Log.Warnf("No digest published for %s, skipping verification", name)
	}

	if err := extract(tmp, size, d.Dir); err != nil {
		return "", &DownloadError{Op: "extract", Err: err}
	}

	bin := d.BinaryPath()
	info, err := os.Stat(bin)
	if err != nil {
		return "", &DownloadError{Op: "extract", Err: fmt.Errorf("%s not in archive", BinaryName(d.GOOS))}
	}
	if d.GOOS != "windows" {
		if err := os.Chmod(bin, info.Mode()|0755); err != nil {
			return "", &DownloadError{Op: "extract", Err: err}
		}
	}

	logger.Log.Infof("✅ Engine installed at %s", bin)
	return bin, nil
}

func findAsset(rel *Release, name string) (archive, digest *Asset) {
	for i := range rel.Assets {
		switch rel.Assets[i].Name {
		case name:
			archive = &rel.Assets[i]
		case name + ".dgst":
			digest = &rel.Assets[i]
		}
	}
	return archive, digest
}

// fetch streams the archive into w and returns its SHA2-256 and size.
func (d *Downloader) fetch(ctx context.Context, a *Asset, w io.Writer) (string, int64, error) {
	resp, err := d.get(ctx, a.DownloadURL)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	total := resp.ContentLength
	if total <= 0 && a.Size > 0 {
		total = a.Size
	}

	progress := d.Progress
	if progress == nil {
		progress = io.Discard
	}
	bar := progressbar.NewOptions64(total,
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(15),
		progressbar.OptionSetDescription("[cyan]Downloading...[reset]"),
		progressbar.OptionSetWriter(progress),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(progress) }),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, h, bar), resp.Body)
	if err != nil {
		return "", 0, err
	}
	bar.Finish()
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// fetchDigest reads the SHA2-256 line of a .dgst file.
func (d *Downloader) fetchDigest(ctx context.Context, url string) (string, error) {
	resp, err := d.get(ctx, url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", err
	}
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), "=")
		if ok && strings.TrimSpace(key) == "SHA2-256" {
			return strings.TrimSpace(value), nil
		}
	}
	return "", errors.New("no SHA2-256 entry")
}

func (d *Downloader) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "rayconf")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return resp, nil
}

func extract(r io.ReaderAt, size int64, dir string) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return err
	}

	root, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		target := filepath.Join(root, filepath.FromSlash(f.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("illegal path in archive: %s", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0644
	}
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// Version runs "<engine> version" and returns its first line.
func Version(ctx context.Context, bin string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, bin, "version").Output()
	if err != nil {
		return "", fmt.Errorf("%s version: %w", bin, err)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(line), nil
}
