package index

import (
	"context"
	"regexp"
	"strings"

	"github.com/barecat-go/barecat/barepath"
)

// GlobPaths returns every path matching the shell-style glob pattern.
// recursive enables "**" recursive-descent matching (without it, "*"
// never crosses a "/"); includeHidden controls whether path components
// starting with "." are matched at all; onlyFiles restricts the result to
// file paths, otherwise matching directories are included too. Three
// shortcuts avoid a full table scan + regex match for the common cases;
// everything else falls back to compiling pattern into a regexp and
// scanning every path.
func (ix *Index) GlobPaths(ctx context.Context, pattern string, recursive, includeHidden, onlyFiles bool) ([]string, error) {
	switch {
	case recursive && (pattern == "**" || pattern == "/**" || pattern == "**/*"):
		return ix.allPaths(ctx, includeHidden, onlyFiles)

	case recursive && (strings.HasSuffix(pattern, "/**/*") || strings.HasSuffix(pattern, "/**")):
		prefix := strings.TrimSuffix(strings.TrimSuffix(pattern, "/**/*"), "/**")
		prefix = barepath.Normalize(prefix)
		return ix.pathsUnderPrefix(ctx, prefix, includeHidden, onlyFiles)

	case isSingleWildcardSegment(pattern):
		dir, segPattern := barepath.Split(pattern)
		return ix.pathsSingleLevelMatch(ctx, dir, segPattern, includeHidden, onlyFiles)

	default:
		return ix.pathsByRegexp(ctx, pattern, recursive, includeHidden, onlyFiles)
	}
}

// isHiddenPath reports whether any segment of p is a dotfile/dotdir.
func isHiddenPath(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if barepath.IsHidden(seg) {
			return true
		}
	}
	return false
}

func filterHidden(paths []string, includeHidden bool) []string {
	if includeHidden {
		return paths
	}
	out := paths[:0]
	for _, p := range paths {
		if !isHiddenPath(p) {
			out = append(out, p)
		}
	}
	return out
}

func (ix *Index) queryPaths(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (ix *Index) allFilePaths(ctx context.Context) ([]string, error) {
	return ix.queryPaths(ctx, `SELECT path FROM files`)
}

func (ix *Index) allDirPaths(ctx context.Context) ([]string, error) {
	return ix.queryPaths(ctx, `SELECT path FROM dirs WHERE path != ''`)
}

func (ix *Index) allPaths(ctx context.Context, includeHidden, onlyFiles bool) ([]string, error) {
	out, err := ix.allFilePaths(ctx)
	if err != nil {
		return nil, err
	}
	if !onlyFiles {
		dirs, err := ix.allDirPaths(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, dirs...)
	}
	return filterHidden(out, includeHidden), nil
}

func (ix *Index) pathsUnderPrefix(ctx context.Context, prefix string, includeHidden, onlyFiles bool) ([]string, error) {
	escaped := barepath.GlobEscape(prefix)
	out, err := ix.queryPaths(ctx,
		`SELECT path FROM files WHERE path = ? OR path GLOB ? || '/*'`, prefix, escaped)
	if err != nil {
		return nil, err
	}
	if !onlyFiles {
		dirs, err := ix.queryPaths(ctx,
			`SELECT path FROM dirs WHERE path != '' AND (path = ? OR path GLOB ? || '/*')`, prefix, escaped)
		if err != nil {
			return nil, err
		}
		out = append(out, dirs...)
	}
	return filterHidden(out, includeHidden), nil
}

// isSingleWildcardSegment reports whether pattern has exactly one "*" in
// its final path segment, no "?" anywhere, and no "[...]" character class
// anywhere — the shape that lets us resolve the parent directory exactly
// and enumerate only its direct children instead of scanning every path.
func isSingleWildcardSegment(pattern string) bool {
	if strings.ContainsAny(pattern, "?[]") {
		return false
	}
	dir, base := barepath.Split(pattern)
	if strings.Contains(dir, "*") {
		return false
	}
	return strings.Count(base, "*") == 1
}

func (ix *Index) pathsSingleLevelMatch(ctx context.Context, dir, segPattern string, includeHidden, onlyFiles bool) ([]string, error) {
	dir = barepath.Normalize(dir)
	parts := strings.SplitN(segPattern, "*", 2)
	prefix, suffix := parts[0], parts[1]

	matchChildren := func(query string) ([]string, error) {
		rows, err := ix.db.QueryContext(ctx, query, dir)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []string
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				return nil, err
			}
			_, base := barepath.Split(p)
			if strings.HasPrefix(base, prefix) && strings.HasSuffix(base, suffix) && len(base) >= len(prefix)+len(suffix) {
				out = append(out, p)
			}
		}
		return out, rows.Err()
	}

	out, err := matchChildren(`SELECT path FROM files WHERE parent = ?`)
	if err != nil {
		return nil, err
	}
	if !onlyFiles {
		dirs, err := matchChildren(`SELECT path FROM dirs WHERE parent = ?`)
		if err != nil {
			return nil, err
		}
		out = append(out, dirs...)
	}
	return filterHidden(out, includeHidden), nil
}

func (ix *Index) pathsByRegexp(ctx context.Context, pattern string, recursive, includeHidden, onlyFiles bool) ([]string, error) {
	re, err := globToRegexp(pattern, recursive)
	if err != nil {
		return nil, err
	}
	all, err := ix.allFilePaths(ctx)
	if err != nil {
		return nil, err
	}
	if !onlyFiles {
		dirs, err := ix.allDirPaths(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, dirs...)
	}
	var out []string
	for _, p := range all {
		if re.MatchString(p) {
			out = append(out, p)
		}
	}
	return filterHidden(out, includeHidden), nil
}

// globToRegexp translates a shell-style glob (supporting "**" for
// recursive-descent when recursive is true, "*" for single-segment
// wildcard, "?" for a single character, and "[...]" character classes)
// into an anchored regexp. When recursive is false, "**" is treated the
// same as "*": it never crosses a "/".
func globToRegexp(pattern string, recursive bool) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteByte('^')
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch c := runes[i]; c {
		case '*':
			if recursive && i+1 < len(runes) && runes[i+1] == '*' {
				b.WriteString(".*")
				i++
				if i+1 < len(runes) && runes[i+1] == '/' {
					i++
				}
			} else {
				b.WriteString("[^/]*")
				if i+1 < len(runes) && runes[i+1] == '*' {
					i++ // collapse a literal "**" into one segment wildcard
				}
			}
		case '?':
			b.WriteString("[^/]")
		case '[':
			j := i + 1
			for j < len(runes) && runes[j] != ']' {
				j++
			}
			if j < len(runes) {
				b.WriteByte('[')
				b.WriteString(regexp.QuoteMeta(string(runes[i+1 : j])))
				b.WriteByte(']')
				i = j
			} else {
				b.WriteString(regexp.QuoteMeta("["))
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteByte('$')
	return regexp.Compile(b.String())
}
