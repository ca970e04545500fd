// Package barepath normalizes and decomposes the POSIX-style logical paths
// used throughout barecat's index and archive façade.
//
// The root directory is represented by the empty string. Normalization is
// purely syntactic: it never touches the filesystem.
package barepath

import "strings"

// NoParent is the parent sentinel for the root directory. Normalize
// strips every leading slash, so no normalized path can ever equal it and
// it can never collide with a real directory path.
const NoParent = "/"

// Normalize strips a leading slash and syntactically resolves "." and ".."
// segments, the way path.Clean does, but always returns "" for root-
// equivalent inputs (path.Clean would return ".").
func Normalize(p string) string {
	if p == "" || p == "." || p == "/" {
		return ""
	}
	p = strings.TrimPrefix(p, "/")

	segs := strings.Split(p, "/")
	out := make([]string, 0, len(segs))
	for _, seg := range segs {
		switch seg {
		case "", ".":
			// skip
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, seg)
		}
	}
	return strings.Join(out, "/")
}

// Parent returns the logical parent of p. p must already be normalized.
// Parent("") returns NoParent, since the root has no parent.
func Parent(p string) string {
	if p == "" {
		return NoParent
	}
	dir, _ := Split(p)
	return dir
}

// Split divides p at its last slash, mirroring path.Split but without the
// trailing slash on dir and with "" (not ".") for a root-level entry.
func Split(p string) (dir, base string) {
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return "", p
	}
	return p[:i], p[i+1:]
}

// Join concatenates a directory and a base name. Join("", "a") == "a".
func Join(dir, base string) string {
	if dir == "" {
		return base
	}
	return dir + "/" + base
}

// Ancestors yields every strict ancestor of p, in increasing-depth order,
// starting with the root ("").  Ancestors("a/b/c") == ["", "a", "a/b"].
func Ancestors(p string) []string {
	if p == "" {
		return nil
	}
	segs := strings.Split(p, "/")
	out := make([]string, 0, len(segs))
	cur := ""
	out = append(out, cur)
	for i := 0; i < len(segs)-1; i++ {
		cur = Join(cur, segs[i])
		out = append(out, cur)
	}
	return out
}

// IsHidden reports whether base (a single path component, not a full path)
// is a dotfile.
func IsHidden(base string) bool {
	return strings.HasPrefix(base, ".")
}

// GlobEscape escapes the GLOB metacharacters '[', ']', '?', '*' by wrapping
// each in a single-character class, so p can be used as a literal prefix in
// a SQL GLOB pattern (used by rename_dir's prefix match).
func GlobEscape(p string) string {
	var b strings.Builder
	b.Grow(len(p))
	for _, r := range p {
		switch r {
		case '[', ']', '?', '*':
			b.WriteByte('[')
			b.WriteRune(r)
			b.WriteByte(']')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
