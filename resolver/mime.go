package resolver

import (
	"mime"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

const defaultContentType = "application/octet-stream"

// contentType guesses by extension first and sniffs the file content when the
// extension is unknown
func contentType(p string) string {
	if ct := mime.TypeByExtension(filepath.Ext(p)); ct != "" {
		return ct
	}
	m, err := mimetype.DetectFile(p)
	if err != nil {
		return defaultContentType
	}

	return m.String()
}
