package utils

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/vfaronov/httpheader"
)

// FilenameFromURL returns the last path segment of rawurl, or "" when there is none
func FilenameFromURL(rawurl string) string {
	parsed, err := url.Parse(rawurl)
	if err != nil {
		return ""
	}
	name := path.Base(parsed.Path)
	if name == "" || name == "." || name == "/" {
		return ""
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return name
}

// FilenameFromHeaders returns the filename announced by Content-Disposition, or ""
func FilenameFromHeaders(h http.Header) string {
	if h.Get("Content-Disposition") == "" {
		return ""
	}
	_, filename, _ := httpheader.ContentDisposition(h)
	filename = strings.TrimSpace(filename)
	// Only the base name is meaningful; servers sometimes send paths
	if idx := strings.LastIndexAny(filename, `/\`); idx != -1 {
		filename = filename[idx+1:]
	}
	return filename
}

// ConvertBytesToHumanReadable formats a byte count for display
func ConvertBytesToHumanReadable(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}
