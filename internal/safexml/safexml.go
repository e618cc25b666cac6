// Package safexml decodes untrusted XML (pfSense backups, XCCDF benchmarks,
// CKL checklists) with a size cap and with DTDs refused outright.
//
// encoding/xml never fetches external entities, but a DOCTYPE in an
// uploaded document is still a red flag, so any directive token aborts the
// decode instead of being skipped.
package safexml

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrTooLarge is returned when input exceeds the configured limit.
	ErrTooLarge = errors.New("xml document exceeds size limit")
	// ErrForbiddenDirective is returned for DOCTYPE, ENTITY and other <! directives.
	ErrForbiddenDirective = errors.New("xml document contains a forbidden directive")
)

// guard is a TokenReader that rejects directives.
type guard struct {
	dec *xml.Decoder
}

func (g guard) Token() (xml.Token, error) {
	tok, err := g.dec.RawToken()
	if err != nil {
		return nil, err
	}
	if _, ok := tok.(xml.Directive); ok {
		return nil, ErrForbiddenDirective
	}
	return tok, nil
}

// NewDecoder returns a strict decoder over r that fails on any directive.
// Only the five predefined entities are recognised.
func NewDecoder(r io.Reader) *xml.Decoder {
	inner := xml.NewDecoder(r)
	inner.Strict = true
	return xml.NewTokenDecoder(guard{dec: inner})
}

// Decode unmarshals data into v after checking it against limit. A limit
// of zero or less disables the size check.
func Decode(data []byte, limit int64, v any) error {
	if limit > 0 && int64(len(data)) > limit {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, len(data), limit)
	}
	if err := NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("decoding xml: %w", err)
	}
	return nil
}

// ReadLimited reads at most limit bytes from r, failing with ErrTooLarge
// when more are available.
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return data, nil
}
