// Package paths maps absolute project paths to storage directory names.
//
// The current encoding is URL-safe base64 of the path with its leading slash
// stripped. An older release encoded paths by replacing every "/" with "-",
// which is ambiguous for paths whose components contain dashes; decoding that
// form probes the filesystem for the longest dash-preserving prefix that
// exists.
package paths

import (
	"encoding/base64"
	"os"
	"strings"
)

// EncodeProject converts an absolute project path to a storage directory name.
func EncodeProject(projectPath string) string {
	trimmed := strings.TrimPrefix(projectPath, "/")
	return base64.URLEncoding.EncodeToString([]byte(trimmed))
}

// DecodeProject converts a storage directory name back to the absolute path.
// Names starting with "-" are the legacy dash encoding (absolute paths always
// produced a leading dash); everything else is base64.
func DecodeProject(name string) string {
	if strings.HasPrefix(name, "-") {
		return decodeLegacy(name, osStat)
	}
	if decoded, err := base64.URLEncoding.DecodeString(name); err == nil {
		return "/" + string(decoded)
	}
	return decodeLegacy(name, osStat)
}

// statFunc is the filesystem probe used by legacy decoding.
type statFunc func(path string) bool

func osStat(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// decodeLegacy resolves a dash-encoded name such as "-a-b-c" back to a path.
// Every dash may be a separator or a literal; the decoder greedily keeps the
// longest run of dashes literal at each step and checks whether the resulting
// prefix exists on disk, so "/a/b-c" and "/a/b/c" decode differently when
// only one of them exists.
func decodeLegacy(name string, exists statFunc) string {
	segments := strings.Split(strings.TrimPrefix(name, "-"), "-")
	if len(segments) == 0 {
		return "/"
	}

	path := ""
	i := 0
	for i < len(segments) {
		// Try the longest join of remaining segments first.
		matched := false
		for j := len(segments); j > i; j-- {
			candidate := path + "/" + strings.Join(segments[i:j], "-")
			if exists(candidate) {
				path = candidate
				i = j
				matched = true
				break
			}
		}
		if !matched {
			// Nothing on disk disambiguates; treat the dash as a separator.
			path = path + "/" + segments[i]
			i++
		}
	}
	return path
}
