package hostfn

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/wippyai/wasm-actors/capability"
	werrors "github.com/wippyai/wasm-actors/errors"
)

// Filesystem maps the absolute paths components see onto the host filesystem.
type Filesystem struct {
	// Root is prepended to every path. Empty means paths are host paths.
	Root string
	// MaxRead bounds Read. Zero means 16 MiB.
	MaxRead int64
}

const defaultMaxRead = 16 << 20

// resolve cleans p and returns it with its host location.
func (f *Filesystem) resolve(p string) (string, string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", "", werrors.InvalidInput(werrors.PhaseHost, "path must be absolute: "+p)
	}
	clean := path.Clean(p)
	if f.Root == "" {
		return clean, filepath.FromSlash(clean), nil
	}
	return clean, filepath.Join(f.Root, filepath.FromSlash(clean)), nil
}

// Read returns the contents of the file at p.
func (f *Filesystem) Read(ctx context.Context, p string) ([]byte, error) {
	clean, host, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	if err := capability.Require(ctx, capability.FilesystemScope, clean, capability.PermRead); err != nil {
		return nil, err
	}
	info, err := os.Stat(host)
	if err != nil {
		return nil, ioError(clean, err)
	}
	limit := f.MaxRead
	if limit <= 0 {
		limit = defaultMaxRead
	}
	if info.Size() > limit {
		return nil, werrors.New(werrors.PhaseHost, werrors.KindResourceExhausted).
			Resource(clean).Detail("file is %d bytes, limit %d", info.Size(), limit).Build()
	}
	data, err := os.ReadFile(host)
	if err != nil {
		return nil, ioError(clean, err)
	}
	return data, nil
}

// Write replaces the file at p with data, creating it if needed.
func (f *Filesystem) Write(ctx context.Context, p string, data []byte) error {
	clean, host, err := f.resolve(p)
	if err != nil {
		return err
	}
	if err := capability.Require(ctx, capability.FilesystemScope, clean, capability.PermWrite); err != nil {
		return err
	}
	if err := os.WriteFile(host, data, 0o644); err != nil {
		return ioError(clean, err)
	}
	return nil
}

// Delete removes the file or empty directory at p.
func (f *Filesystem) Delete(ctx context.Context, p string) error {
	clean, host, err := f.resolve(p)
	if err != nil {
		return err
	}
	if err := capability.Require(ctx, capability.FilesystemScope, clean, capability.PermDelete); err != nil {
		return err
	}
	if err := os.Remove(host); err != nil {
		return ioError(clean, err)
	}
	return nil
}

// List returns the sorted entry names of the directory at p.
// Directories carry a trailing slash.
func (f *Filesystem) List(ctx context.Context, p string) ([]string, error) {
	clean, host, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	if err := capability.Require(ctx, capability.FilesystemScope, clean, capability.PermList); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(host)
	if err != nil {
		return nil, ioError(clean, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}
