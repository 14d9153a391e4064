// Package mediatype infers content types from file names.
package mediatype

import (
	"mime"
	"path/filepath"
	"strings"
)

// Unknown is returned when the extension maps to no known type.
const Unknown = "application/octet-stream"

// Video extensions are pinned because system mime tables vary between hosts.
var videoTypes = map[string]string{
	".3gp":  "video/3gpp",
	".avi":  "video/x-msvideo",
	".m4v":  "video/x-m4v",
	".mkv":  "video/x-matroska",
	".mov":  "video/quicktime",
	".mp4":  "video/mp4",
	".mpeg": "video/mpeg",
	".mpg":  "video/mpeg",
	".ogv":  "video/ogg",
	".webm": "video/webm",
}

// FromName returns the content type implied by name's extension.
func FromName(name string) string {
	ext := strings.ToLower(filepath.Ext(strings.TrimSpace(name)))
	if ext == "" {
		return Unknown
	}
	if known, ok := videoTypes[ext]; ok {
		return known
	}
	detected := mime.TypeByExtension(ext)
	if detected == "" {
		return Unknown
	}
	if mediaType, _, err := mime.ParseMediaType(detected); err == nil {
		return mediaType
	}
	return detected
}

// IsVideo reports whether contentType is a video/* type.
func IsVideo(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), "video/")
}
