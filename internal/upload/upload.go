// Package upload validates user-supplied configuration and checklist files
// before anything tries to parse them.
package upload

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// Kind classifies a rejected upload.
type Kind string

const (
	KindExtension Kind = "extension"
	KindTooLarge  Kind = "too_large"
	KindEncoding  Kind = "encoding"
	KindEmpty     Kind = "empty"
)

// Error is returned for every rejected upload. Message is safe to show to
// the client.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// KindOf returns the kind of an upload error, or "" for other errors.
func KindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return ""
}

// DefaultMaxSize is the default upload cap.
const DefaultMaxSize int64 = 10 * 1024 * 1024

// DefaultExtensions are the configuration file extensions accepted by default.
var DefaultExtensions = []string{".txt", ".cfg", ".conf", ".xml", ".log"}

// Policy is an extension allowlist plus a size cap. Content must be UTF-8.
type Policy struct {
	MaxSize    int64
	Extensions []string
}

// DefaultPolicy returns the policy for device configuration uploads.
func DefaultPolicy() Policy {
	return Policy{MaxSize: DefaultMaxSize, Extensions: DefaultExtensions}
}

// ParseExtensions splits a comma-separated extension list.
func ParseExtensions(s string) []string {
	var out []string
	for _, ext := range strings.Split(s, ",") {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}

// Read validates the file name, then reads at most MaxSize bytes from r
// and returns them as text. Nothing beyond MaxSize+1 bytes is read.
func (p Policy) Read(filename string, r io.Reader) (string, error) {
	if err := p.CheckName(filename); err != nil {
		return "", err
	}
	limit := p.maxSize()
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return "", fmt.Errorf("reading upload: %w", err)
	}
	return p.check(data)
}

// Check validates content already in memory.
func (p Policy) Check(filename string, data []byte) (string, error) {
	if err := p.CheckName(filename); err != nil {
		return "", err
	}
	return p.check(data)
}

// CheckName applies the extension allowlist. An empty allowlist accepts
// every name.
func (p Policy) CheckName(filename string) error {
	if len(p.Extensions) == 0 {
		return nil
	}
	lower := strings.ToLower(filename)
	for _, ext := range p.Extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return nil
		}
	}
	return &Error{
		Kind:    KindExtension,
		Message: "Invalid file type. Supported: " + strings.Join(p.Extensions, ", "),
	}
}

func (p Policy) check(data []byte) (string, error) {
	limit := p.maxSize()
	if int64(len(data)) > limit {
		return "", &Error{
			Kind:    KindTooLarge,
			Message: fmt.Sprintf("File exceeds maximum size of %d bytes", limit),
		}
	}
	if len(data) == 0 {
		return "", &Error{Kind: KindEmpty, Message: "File is empty"}
	}
	if !utf8.Valid(data) {
		return "", &Error{Kind: KindEncoding, Message: "File must be UTF-8 encoded text"}
	}
	return string(data), nil
}

func (p Policy) maxSize() int64 {
	if p.MaxSize <= 0 {
		return DefaultMaxSize
	}
	return p.MaxSize
}
