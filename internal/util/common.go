package util

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

const (
	// DialTimeout bounds a single connection attempt to a peer or broker.
	DialTimeout = 5 * time.Second
	// OpTimeout bounds one publish or one store operation.
	OpTimeout = 3 * time.Second
	// ShutdownTimeout bounds the last frames sent while stopping.
	ShutdownTimeout = 2 * time.Second
)

// MaxUserIDLen keeps topic names such as "signal:<id>" short.
const MaxUserIDLen = 64

// ResolvePath joins base and rel unless rel is already absolute.
// filepath.Join("a", "/b") would give "a/b".
func ResolvePath(base, rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}

// ValidateUserID trims id and checks that it can be embedded in topic names
// and direct chat ids ("dm:<a>:<b>") and used as a folder name.
func ValidateUserID(id string) (string, error) {
	id = strings.TrimSpace(id)
	switch {
	case id == "":
		return "", errors.New("user id is empty")
	case len(id) > MaxUserIDLen:
		return "", errors.New("user id is longer than 64 bytes")
	case strings.ContainsAny(id, `/\:`) || strings.Contains(id, ".."):
		return "", errors.New("user id must not contain '/', '\\', ':' or '..'")
	case strings.IndexFunc(id, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0:
		return "", errors.New("user id must not contain spaces or control characters")
	}
	return id, nil
}

// WriteJSONFile writes v as indented JSON, creating parent directories.
func WriteJSONFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
