package storage

import (
	"strings"
	"unicode/utf8"

	"github.com/surge-downloader/surgeq/internal/engine/types"
)

// reservedNames are device names Windows refuses as file names, with or without an extension
var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// Sanitize returns name with characters forbidden on common filesystems removed.
// Reserved device names get a "_" prefix, trailing dots and spaces are stripped and
// the result is capped at MaxFilenameLength characters. An empty result becomes
// DefaultFilename.
func Sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if r == utf8.RuneError || r < 0x20 || r == 0x7f {
			continue
		}
		if strings.ContainsRune(`<>:"/\|?*`, r) {
			continue
		}
		b.WriteRune(r)
	}
	clean := strings.TrimLeft(b.String(), " ")

	if utf8.RuneCountInString(clean) > types.MaxFilenameLength {
		clean = string([]rune(clean)[:types.MaxFilenameLength])
	}
	clean = strings.TrimRight(clean, ". ")

	stem := clean
	if i := strings.IndexByte(stem, '.'); i >= 0 {
		stem = stem[:i]
	}
	if reservedNames[strings.ToUpper(strings.TrimRight(stem, " "))] {
		clean = "_" + clean
		if utf8.RuneCountInString(clean) > types.MaxFilenameLength {
			clean = strings.TrimRight(string([]rune(clean)[:types.MaxFilenameLength]), ". ")
		}
	}

	if clean == "" {
		return types.DefaultFilename
	}
	return clean
}

// splitExt splits name into stem and extension, keeping the dot on the extension.
// Hidden files such as ".bashrc" have no extension.
func splitExt(name string) (string, string) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return name, ""
	}
	return name[:i], name[i:]
}
