package feed

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrInvalidName is returned for feed names that are not filesystem-safe.
var ErrInvalidName = errors.New("feed: invalid name")

// ErrPathTraversal is returned when a relative path escapes the feed root.
var ErrPathTraversal = errors.New("feed: path escapes feed root")

// ValidateName accepts lowercase letters, digits, '-', '_' and '.', starting
// with a letter or digit, at most 128 bytes.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(name) > 128 {
		return fmt.Errorf("%w: %q longer than 128 bytes", ErrInvalidName, name)
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case (r == '-' || r == '_' || r == '.') && i > 0:
		default:
			return fmt.Errorf("%w: character %q in %q", ErrInvalidName, r, name)
		}
	}
	return nil
}

// Join resolves rel under the feed root and rejects anything that escapes it.
func (c *Context) Join(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s is absolute", ErrPathTraversal, rel)
	}
	joined := filepath.Join(c.Root, rel)
	if joined != c.Root && !strings.HasPrefix(joined, c.Root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, rel)
	}
	return joined, nil
}
