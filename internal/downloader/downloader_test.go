package downloader_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"rayconf/internal/downloader"

	"github.com/klauspost/compress/zip"
)

func TestAssetName(t *testing.T) {
	cases := []struct {
		goos, goarch string
		want         string
	}{
		{"linux", "amd64", "Xray-linux-64.zip"},
		{"linux", "386", "Xray-linux-32.zip"},
		{"linux", "arm64", "Xray-linux-arm64-v8a.zip"},
		{"linux", "arm", "Xray-linux-arm32-v7a.zip"},
		{"darwin", "amd64", "Xray-macos-64.zip"},
		{"darwin", "arm64", "Xray-macos-arm64-v8a.zip"},
		{"windows", "amd64", "Xray-windows-64.zip"},
		{"windows", "arm64", "Xray-windows-arm64-v8a.zip"},
	}
	for _, tc := range cases {
		got, err := downloader.AssetName(tc.goos, tc.goarch)
		if err != nil || got != tc.want {
			t.Errorf("AssetName(%s, %s) = %q, %v; want %q", tc.goos, tc.goarch, got, err, tc.want)
		}
	}

	for _, p := range [][2]string{{"plan9", "amd64"}, {"darwin", "386"}, {"linux", "mips"}} {
		if _, err := downloader.AssetName(p[0], p[1]); !errors.Is(err, downloader.ErrUnsupportedPlatform) {
			t.Errorf("AssetName(%s, %s) err = %v", p[0], p[1], err)
		}
	}
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type release struct {
	archive []byte
	digest  string // empty means no .dgst asset
	assets  []string
	hits    atomic.Int32
}

func (rel *release) serve(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/latest", func(w http.ResponseWriter, r *http.Request) {
		rel.hits.Add(1)
		var assets []map[string]interface{}
		for _, name := range rel.assets {
			assets = append(assets, map[string]interface{}{
				"name":                 name,
				"browser_download_url": srv.URL + "/files/" + name,
			})
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"tag_name": "v9.9.9", "assets": assets})
	})
	mux.HandleFunc("/files/Xray-linux-64.zip", func(w http.ResponseWriter, r *http.Request) {
		w.Write(rel.archive)
	})
	mux.HandleFunc("/files/Xray-linux-64.zip.dgst", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("MD5= 00\nSHA1= 00\nSHA2-256= " + rel.digest + "\nSHA2-512= 00\n"))
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newRelease(t *testing.T, files map[string]string) *release {
	archive := buildZip(t, files)
	sum := sha256.Sum256(archive)
	return &release{
		archive: archive,
		digest:  hex.EncodeToString(sum[:]),
		assets:  []string{"Xray-linux-64.zip", "Xray-linux-64.zip.dgst", "Xray-windows-64.zip"},
	}
}

func newDownloader(t *testing.T, srv *httptest.Server) *downloader.Downloader {
	d := downloader.New(filepath.Join(t.TempDir(), "bin"))
	d.ReleaseURL = srv.URL + "/latest"
	d.GOOS, d.GOARCH = "linux", "amd64"
	d.Client = srv.Client()
	d.Progress = nil
	return d
}

func TestDownload(t *testing.T) {
	rel := newRelease(t, map[string]string{
		"xray":        "#!/bin/sh\necho 'Xray 9.9.9'\n",
		"geoip.dat":   "geoip",
		"geosite.dat": "geosite",
	})
	d := newDownloader(t, rel.serve(t))

	bin, err := d.Download(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if bin != filepath.Join(d.Dir, "xray") {
		t.Fatalf("binary path = %s", bin)
	}
	info, err := os.Stat(bin)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0100 == 0 {
		t.Fatalf("binary not executable: %v", info.Mode())
	}
	if _, err := os.Stat(filepath.Join(d.Dir, "geoip.dat")); err != nil {
		t.Fatalf("assets not extracted: %v", err)
	}

	entries, _ := os.ReadDir(d.Dir)
	if len(entries) != 3 {
		t.Fatalf("unexpected files left behind: %v", entries)
	}
}

func TestEnsureSkipsExisting(t *testing.T) {
	rel := newRelease(t, map[string]string{"xray": "bin"})
	d := newDownloader(t, rel.serve(t))

	if _, err := d.Ensure(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Ensure(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := rel.hits.Load(); n != 1 {
		t.Fatalf("release info fetched %d times", n)
	}
}

func TestDownloadDigestMismatch(t *testing.T) {
	rel := newRelease(t, map[string]string{"xray": "bin"})
	rel.digest = "deadbeef"
	d := newDownloader(t, rel.serve(t))

	_, err := d.Download(context.Background())
	if !errors.Is(err, downloader.ErrDigestMismatch) {
		t.Fatalf("err = %v", err)
	}
	var de *downloader.DownloadError
	if !errors.As(err, &de) || de.Op != "verify" {
		t.Fatalf("err = %#v", err)
	}
	if _, err := os.Stat(d.BinaryPath()); !os.IsNotExist(err) {
		t.Fatal("binary extracted despite bad digest")
	}
}

func TestDownloadWithoutDigest(t *testing.T) {
	rel := newRelease(t, map[string]string{"xray": "bin"})
	rel.assets = []string{"Xray-linux-64.zip"}
	d := newDownloader(t, rel.serve(t))

	if _, err := d.Download(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestDownloadAssetMissing(t *testing.T) {
	rel := newRelease(t, map[string]string{"xray": "bin"})
	rel.assets = []string{"Xray-windows-64.zip"}
	d := newDownloader(t, rel.serve(t))

	if _, err := d.Download(context.Background()); !errors.Is(err, downloader.ErrAssetNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestDownloadRejectsPathTraversal(t *testing.T) {
	rel := newRelease(t, map[string]string{"../escape": "x", "xray": "bin"})
	d := newDownloader(t, rel.serve(t))

	_, err := d.Download(context.Background())
	var de *downloader.DownloadError
	if !errors.As(err, &de) || de.Op != "extract" {
		t.Fatalf("err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(d.Dir), "escape")); !os.IsNotExist(err) {
		t.Fatal("file written outside target dir")
	}
}

func TestDownloadServerError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	d := newDownloader(t, srv)

	_, err := d.Download(context.Background())
	var de *downloader.DownloadError
	if !errors.As(err, &de) || de.Op != "release info" {
		t.Fatalf("err = %v", err)
	}
}
