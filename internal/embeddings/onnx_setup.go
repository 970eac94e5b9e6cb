//go:build cgo

package embeddings

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// onnxRuntimeVersion pins the shared library to the onnxruntime_go binding
// in go.mod. Bump both together.
const onnxRuntimeVersion = "1.23.0"

// ErrUnsupportedPlatform indicates no ONNX runtime build exists for the
// current OS/arch.
var ErrUnsupportedPlatform = fmt.Errorf("unsupported platform")

// onnxTarget describes the release archive and library filename for one
// supported platform.
type onnxTarget struct {
	archive string
	library string
}

var onnxTargets = map[string]onnxTarget{
	"linux/amd64":  {archive: "linux-x64", library: "libonnxruntime.so"},
	"linux/arm64":  {archive: "linux-aarch64", library: "libonnxruntime.so"},
	"darwin/amd64": {archive: "osx-x86_64", library: "libonnxruntime.dylib"},
	"darwin/arm64": {archive: "osx-arm64", library: "libonnxruntime.dylib"},
}

func currentONNXTarget() (onnxTarget, error) {
	key := runtime.GOOS + "/" + runtime.GOARCH
	target, ok := onnxTargets[key]
	if !ok {
		return onnxTarget{}, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, key)
	}
	return target, nil
}

// onnxInstallDir is where managed runtime installs land. cacheDir is the
// configured model cache; an empty value falls back to the config home.
func onnxInstallDir(cacheDir string) string {
	if cacheDir != "" {
		return filepath.Join(cacheDir, "onnxruntime")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".config", "lmassist", "lib")
}

// ONNXLibraryPath resolves the runtime library, preferring an explicit
// ONNX_PATH over a managed install under cacheDir. Empty when absent.
func ONNXLibraryPath(cacheDir string) string {
	if p := os.Getenv("ONNX_PATH"); p != "" {
		return p
	}
	target, err := currentONNXTarget()
	if err != nil {
		return ""
	}
	managed := filepath.Join(onnxInstallDir(cacheDir), target.library)
	if _, err := os.Stat(managed); err == nil {
		return managed
	}
	return ""
}

// EnsureONNXRuntime resolves the runtime library, downloading the pinned
// release into the managed install dir when missing. Returns the library
// path.
func EnsureONNXRuntime(ctx context.Context, cacheDir string) (string, error) {
	if p := ONNXLibraryPath(cacheDir); p != "" {
		return p, nil
	}
	if err := downloadONNXRuntime(ctx, onnxInstallDir(cacheDir)); err != nil {
		return "", fmt.Errorf("downloading onnx runtime (set ONNX_PATH to use an existing install): %w", err)
	}
	p := ONNXLibraryPath(cacheDir)
	if p == "" {
		return "", fmt.Errorf("onnx runtime downloaded but %s not found", onnxInstallDir(cacheDir))
	}
	return p, nil
}

func onnxReleaseURL(target onnxTarget) string {
	return fmt.Sprintf("https://github.com/microsoft/onnxruntime/releases/download/v%s/onnxruntime-%s-%s.tgz",
		onnxRuntimeVersion, target.archive, onnxRuntimeVersion)
}

func downloadONNXRuntime(ctx context.Context, destDir string) error {
	target, err := currentONNXTarget()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", destDir, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, onnxReleaseURL(target), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching release: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching release: status %d", resp.StatusCode)
	}
	return extractRuntimeLibs(resp.Body, destDir, target)
}

// extractRuntimeLibs unpacks the lib/ entries of the release tarball into
// destDir, keeping the versioned symlink chain the loader expects.
func extractRuntimeLibs(r io.Reader, destDir string, target onnxTarget) error {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer gzr.Close()

	libPrefix := fmt.Sprintf("onnxruntime-%s-%s/lib/", target.archive, onnxRuntimeVersion)
	tr := tar.NewReader(gzr)
	found := false
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}
		name := strings.TrimPrefix(hdr.Name, "./")
		if hdr.Typeflag == tar.TypeDir || !strings.HasPrefix(name, libPrefix) {
			continue
		}

		base := filepath.Base(name)
		dest := filepath.Join(destDir, base)
		isLib := base == target.library || strings.HasPrefix(base, target.library+".")

		if hdr.Typeflag == tar.TypeSymlink {
			os.Remove(dest)
			if err := os.Symlink(hdr.Linkname, dest); err != nil {
				continue
			}
			found = found || isLib
			continue
		}

		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("creating %s: %w", dest, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("writing %s: %w", dest, err)
		}
		out.Close()
		found = found || isLib
	}
	if !found {
		return fmt.Errorf("%s not present in archive", target.library)
	}
	return nil
}
