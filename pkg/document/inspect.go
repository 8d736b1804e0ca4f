package document

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

const (
	// DefaultMaxBytes caps a single upload.
	DefaultMaxBytes int64 = 20 << 20

	MediaTypePDF  = "application/pdf"
	MediaTypeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MediaTypeText = "text/plain"
)

var (
	ErrEmptyPayload        = errors.New("document is empty")
	ErrMissingFilename     = errors.New("document filename is required")
	ErrTooLarge            = errors.New("document exceeds upload limit")
	ErrExtensionNotAllowed = errors.New("document type not supported")
	ErrUnreadablePDF       = errors.New("pdf could not be read")
)

// DefaultExtensions mirrors the upload picker's accept list.
var DefaultExtensions = []string{".pdf", ".docx", ".txt"}

var mediaTypes = map[string]string{
	".pdf":  MediaTypePDF,
	".docx": MediaTypeDOCX,
	".txt":  MediaTypeText,
}

// Rules configure Inspect.
type Rules struct {
	MaxBytes          int64
	AllowedExtensions []string
}

// Info is what inspection learned about a payload.
type Info struct {
	Extension string
	MediaType string
	SizeBytes int64
	PageCount int
}

// Inspect validates a candidate upload before it becomes a Document.
// declaredType wins over the extension-derived media type when present.
func Inspect(filename, declaredType string, payload []byte, rules Rules) (Info, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return Info{}, ErrMissingFilename
	}
	if len(payload) == 0 {
		return Info{}, ErrEmptyPayload
	}
	maxBytes := rules.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	size := int64(len(payload))
	if size > maxBytes {
		return Info{}, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, size, maxBytes)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	allowed := rules.AllowedExtensions
	if len(allowed) == 0 {
		allowed = DefaultExtensions
	}
	if !extensionAllowed(ext, allowed) {
		return Info{}, fmt.Errorf("%w: %q", ErrExtensionNotAllowed, ext)
	}
	info := Info{
		Extension: ext,
		MediaType: strings.TrimSpace(declaredType),
		SizeBytes: size,
	}
	if info.MediaType == "" || info.MediaType == "application/octet-stream" {
		info.MediaType = MediaTypeFor(ext)
	}
	if ext == ".pdf" {
		pages, err := countPDFPages(payload)
		if err != nil {
			return Info{}, fmt.Errorf("%w: %v", ErrUnreadablePDF, err)
		}
		info.PageCount = pages
	}
	return info, nil
}

// MediaTypeFor returns the media type for a known extension.
func MediaTypeFor(ext string) string {
	if mt, ok := mediaTypes[strings.ToLower(ext)]; ok {
		return mt
	}
	return "application/octet-stream"
}

func extensionAllowed(ext string, allowed []string) bool {
	if ext == "" {
		return false
	}
	for _, item := range allowed {
		item = strings.ToLower(strings.TrimSpace(item))
		if !strings.HasPrefix(item, ".") {
			item = "." + item
		}
		if item == ext {
			return true
		}
	}
	return false
}

func countPDFPages(payload []byte) (pages int, err error) {
	// the pdf reader panics on some malformed xref tables
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return 0, err
	}
	return reader.NumPage(), nil
}
