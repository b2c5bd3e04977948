package tree

import (
	"strings"

	"github.com/treesync/treesync/internal/dberr"
)

// value type ranks for cross-type ordering: null < false < true <
// numbers < strings < containers.
func typeRank(v any) int {
	switch n := Data(v).(type) {
	case nil:
		return 0
	case bool:
		if !n {
			return 1
		}
		return 2
	case string:
		return 4
	case map[string]any, []any:
		return 5
	default:
		if _, ok := numeric(n); ok {
			return 3
		}
		return 5
	}
}

// CompareValues orders two leaf values under the sort rules used by
// queries: by type rank first, then numerically or lexicographically
// within the comparable types. Containers compare equal to each other
// (sibling key order breaks the tie).
func CompareValues(a, b any) int {
	ar, br := typeRank(a), typeRank(b)
	if ar != br {
		if ar < br {
			return -1
		}
		return 1
	}

	switch ar {
	case 3:
		an, _ := numeric(Data(a))
		bn, _ := numeric(Data(b))
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	case 4:
		return strings.Compare(Data(a).(string), Data(b).(string))
	default:
		return 0
	}
}

// ValidatePriority rejects anything but nil, a number, or a string.
func ValidatePriority(priority any) error {
	switch Data(priority).(type) {
	case nil, string:
		return nil
	default:
		if _, ok := numeric(Data(priority)); ok {
			return nil
		}
		return dberr.InvalidArgumentf("priority must be a string, number, or nil")
	}
}
