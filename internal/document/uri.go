package document

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

var (
	ErrEmptyPath         = errors.New("path is required")
	ErrUnsupportedScheme = errors.New("only file URIs are supported")
)

// NormalizeURI turns a filesystem path or file URI into the canonical
// file:// URI used as the resource key for queued work and diagnostics.
func NormalizeURI(raw string) (string, error) {
	path, err := pathOf(raw)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	slashed := filepath.ToSlash(abs)
	if !strings.HasPrefix(slashed, "/") {
		// Windows drive paths: C:/x -> /C:/x
		slashed = "/" + slashed
	}
	u := url.URL{Scheme: "file", Path: slashed}
	return u.String(), nil
}

// PathFromURI returns the absolute filesystem path for a file URI or path.
func PathFromURI(raw string) (string, error) {
	uri, err := NormalizeURI(raw)
	if err != nil {
		return "", err
	}
	return pathOf(uri)
}

func pathOf(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmptyPath
	}
	if !strings.Contains(raw, "://") {
		return filepath.Clean(raw), nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse uri %q: %w", raw, err)
	}
	if !strings.EqualFold(u.Scheme, "file") {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, raw)
	}
	p := u.Path
	if p == "" {
		return "", ErrEmptyPath
	}
	if len(p) >= 3 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
	}
	return filepath.Clean(filepath.FromSlash(p)), nil
}
