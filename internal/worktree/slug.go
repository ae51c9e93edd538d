package worktree

import "strings"

// Slug derives the path segment for a branch: lowercased, with every
// character outside [a-z0-9._-] replaced by '-'. Collisions between
// distinct branches are resolved by the caller with a numeric suffix.
func Slug(branch string) string {
	var b strings.Builder
	b.Grow(len(branch))
	for _, r := range strings.ToLower(branch) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
