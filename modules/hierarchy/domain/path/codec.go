// Package path encodes a node's position in the administrative hierarchy as a
// materialized path: decimal sibling sequence numbers joined by a dot, e.g.
// "1.5.23". Paths order deterministically and support prefix-based subtree
// resolution without recursive traversal.
package path

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/iota-uz/hierarchy/pkg/serrors"
)

const Separator = "."

var (
	ErrEmptyPath      = serrors.NewError("PATH_EMPTY", "path must not be empty", "")
	ErrInvalidSegment = serrors.NewError("PATH_INVALID_SEGMENT", "path segment must be a positive decimal integer", "")
	ErrInvalidSeq     = serrors.NewError("PATH_INVALID_SEQ", "sibling sequence must be positive", "")
)

// Encode appends a sibling sequence number to a parent path. An empty parent
// path produces a root (single-segment) path. Sequence numbers are assigned
// monotonically per parent and never reused, so encoding is collision-free
// among siblings.
func Encode(parentPath string, seq int) (string, error) {
	if seq <= 0 {
		return "", fmt.Errorf("%w: got %d", ErrInvalidSeq, seq)
	}
	if parentPath == "" {
		return strconv.Itoa(seq), nil
	}
	if err := Validate(parentPath); err != nil {
		return "", err
	}
	return parentPath + Separator + strconv.Itoa(seq), nil
}

// Validate checks that p is a well-formed path: non-empty, with every segment
// a positive decimal integer. Separator bytes inside segments are impossible
// by construction and rejected here for externally supplied paths.
func Validate(p string) error {
	if p == "" {
		return ErrEmptyPath
	}
	for _, seg := range strings.Split(p, Separator) {
		if seg == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidSegment, p)
		}
		n, err := strconv.Atoi(seg)
		if err != nil || n <= 0 {
			return fmt.Errorf("%w: %q in %q", ErrInvalidSegment, seg, p)
		}
	}
	return nil
}

// Depth returns the number of segments. For a valid node it equals the node's
// level.
func Depth(p string) int {
	if p == "" {
		return 0
	}
	return strings.Count(p, Separator) + 1
}

// Parent returns the path with the last segment removed, or "" for a root.
func Parent(p string) string {
	idx := strings.LastIndex(p, Separator)
	if idx < 0 {
		return ""
	}
	return p[:idx]
}

// Segments splits p into its segment strings.
func Segments(p string) []string {
	if p == "" {
		return nil
	}
	return strings.Split(p, Separator)
}

// Ancestors returns every proper ancestor prefix of p from root downward,
// excluding p itself. For "1.5.23" it returns ["1", "1.5"].
func Ancestors(p string) []string {
	segs := Segments(p)
	if len(segs) <= 1 {
		return nil
	}
	out := make([]string, 0, len(segs)-1)
	prefix := segs[0]
	out = append(out, prefix)
	for _, seg := range segs[1 : len(segs)-1] {
		prefix = prefix + Separator + seg
		out = append(out, prefix)
	}
	return out
}

// IsDescendantOrSelf reports whether p sits at or below ancestor. The match is
// segment-aware: "1.238" is not a descendant of "1.23".
func IsDescendantOrSelf(p, ancestor string) bool {
	if p == "" || ancestor == "" {
		return false
	}
	if p == ancestor {
		return true
	}
	return strings.HasPrefix(p, ancestor+Separator)
}

// Rewrite replaces the ancestor prefix oldPrefix of p with newPrefix. It is
// the path transform applied to every member of a moved subtree.
func Rewrite(p, oldPrefix, newPrefix string) (string, error) {
	if !IsDescendantOrSelf(p, oldPrefix) {
		return "", fmt.Errorf("path %q is not under prefix %q", p, oldPrefix)
	}
	return newPrefix + p[len(oldPrefix):], nil
}
