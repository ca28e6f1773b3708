package audio

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ResolveFile finds the audio file a transcription request refers to.
// localPath is normally the local_path from a fetch descriptor, but a
// media_url under urlPrefix is accepted too.
// Priority: 1) localPath as given  2) urlPrefix/name mapped into cacheDir.
// A path that does not exist is never redirected to another file.
// With restrict set, only files inside cacheDir resolve. Returns "" when
// nothing matches.
func ResolveFile(cacheDir, urlPrefix, localPath string, restrict bool) string {
	localPath = strings.TrimSpace(localPath)
	if localPath == "" {
		return ""
	}

	// 1) Path as given (absolute, or relative to the working directory)
	if isFile(localPath) && (!restrict || within(cacheDir, localPath)) {
		return localPath
	}

	if cacheDir == "" {
		return ""
	}

	// 2) Served URL path, e.g. /media_cache/xyz789.mp3
	slashed := filepath.ToSlash(localPath)
	if prefix := "/" + strings.Trim(urlPrefix, "/") + "/"; prefix != "//" {
		if rest, ok := strings.CutPrefix("/"+strings.TrimLeft(slashed, "/"), prefix); ok && rest != "" && !strings.Contains(rest, "/") {
			if name, err := url.PathUnescape(rest); err == nil {
				candidate := filepath.Join(cacheDir, name)
				if isFile(candidate) {
					return candidate
				}
			}
		}
	}

	return ""
}

func isFile(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}

// within reports whether p is inside dir after resolving both to absolute paths.
func within(dir, p string) bool {
	if dir == "" {
		return false
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	absP, err := filepath.Abs(p)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absP)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
