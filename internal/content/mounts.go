package content

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// pseudoDirs are top-level directories whose contents are runtime state,
// never persistent data. Only their own record is written.
var pseudoDirs = map[string]struct{}{ //nolint:gochecknoglobals // fixed lookup table
	"proc":     {},
	"sys":      {},
	"dev":      {},
	"tmp":      {},
	"run":      {},
	"var/run":  {},
	"var/lock": {},
}

func isPseudoDir(rel string) bool {
	_, ok := pseudoDirs[filepath.ToSlash(rel)]
	return ok
}

// mountPointsUnder returns the mount points strictly below root, read from
// /proc/self/mountinfo. Bind mounts share the device of their source, so
// comparing st_dev alone would miss them. On error it returns an empty set.
func mountPointsUnder(root string) map[string]struct{} {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return map[string]struct{}{}
	}
	defer f.Close()
	return parseMountInfo(f, root)
}

func parseMountInfo(r io.Reader, root string) map[string]struct{} {
	root = filepath.Clean(root)
	out := make(map[string]struct{})
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		mp := filepath.Clean(unescapeMount(fields[4]))
		if mp == root {
			continue
		}
		if rel, err := filepath.Rel(root, mp); err == nil && filepath.IsLocal(rel) {
			out[mp] = struct{}{}
		}
	}
	return out
}

// unescapeMount decodes the octal escapes (\040 for space, ...) the kernel
// uses in mountinfo paths.
func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && isOctal(s[i+1]) && isOctal(s[i+2]) && isOctal(s[i+3]) {
			b.WriteByte((s[i+1]-'0')<<6 | (s[i+2]-'0')<<3 | (s[i+3] - '0'))
			i += 3
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isOctal(c byte) bool { return c >= '0' && c <= '7' }
