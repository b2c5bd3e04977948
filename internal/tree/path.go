package tree

import (
	"strconv"
	"strings"

	"github.com/treesync/treesync/internal/dberr"
)

// ParsePath normalizes a slash-delimited path into its segments.
// Leading and trailing slashes are ignored; an empty or "/" path is the
// root (nil segments). Empty interior segments are rejected.
func ParsePath(path string) ([]string, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, nil
	}
	parts := strings.Split(trimmed, "/")
	for _, segment := range parts {
		if segment == "" {
			return nil, dberr.InvalidArgumentf("path %q contains an empty segment", path)
		}
	}
	return parts, nil
}

// JoinPath renders segments back into canonical slash form. The root is
// rendered as "/".
func JoinPath(path []string) string {
	if len(path) == 0 {
		return "/"
	}
	return "/" + strings.Join(path, "/")
}

// IsPrefix reports whether prefix is a (non-strict) prefix of path.
func IsPrefix(prefix, path []string) bool {
	if len(prefix) > len(path) {
		return false
	}
	for i, segment := range prefix {
		if path[i] != segment {
			return false
		}
	}
	return true
}

// PathsOverlap reports whether either path is an ancestor of (or equal
// to) the other. A write at one of two overlapping paths affects data
// visible at the other.
func PathsOverlap(a, b []string) bool {
	return IsPrefix(a, b) || IsPrefix(b, a)
}

// CompareKeys orders sibling keys: canonical integer keys sort before
// all others and numerically among themselves; the rest compare as
// strings.
func CompareKeys(a, b string) int {
	an, aNum := parseCanonicalInt(a)
	bn, bNum := parseCanonicalInt(b)
	switch {
	case aNum && bNum:
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	case aNum:
		return -1
	case bNum:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

func parseCanonicalInt(key string) (int64, bool) {
	n, err := strconv.ParseInt(key, 10, 64)
	if err != nil || strconv.FormatInt(n, 10) != key {
		return 0, false
	}
	return n, true
}
