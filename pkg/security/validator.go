// Package security holds the input sanitation, token generation and CSRF
// nonce handling used by the confirmation flow.
package security

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/cf7me/confirmflow/pkg/session"
)

// Validator bounds what a visitor may park in a session.
type Validator struct {
	maxFields     int
	maxValueBytes int
	maxFileSize   int64
}

// NewValidator creates a new security validator
func NewValidator(maxFields, maxValueBytes int, maxFileSize int64) *Validator {
	slog.Info("security_validator_init",
		"max_fields", maxFields,
		"max_value_bytes", maxValueBytes,
		"max_file_size_mb", maxFileSize/1024/1024)

	return &Validator{
		maxFields:     maxFields,
		maxValueBytes: maxValueBytes,
		maxFileSize:   maxFileSize,
	}
}

// ValidatePostedData checks field count and per-value size before staging.
func (v *Validator) ValidatePostedData(data session.PostedData) error {
	if v.maxFields > 0 && len(data) > v.maxFields {
		slog.Error("security_field_count_exceeded", "fields", len(data), "max_fields", v.maxFields)
		return fmt.Errorf("security: %d fields exceeds max %d", len(data), v.maxFields)
	}

	for _, f := range data {
		if !utf8.ValidString(f.Name) {
			slog.Error("security_field_name_invalid", "reason", "invalid_utf8")
			return fmt.Errorf("security: field name is not valid UTF-8")
		}
		for _, val := range f.Values {
			if v.maxValueBytes > 0 && len(val) > v.maxValueBytes {
				slog.Error("security_value_size_exceeded",
					"field", f.Name, "size", len(val), "max_value_bytes", v.maxValueBytes)
				return fmt.Errorf("security: field %s value size %d exceeds max %d", f.Name, len(val), v.maxValueBytes)
			}
		}
	}
	return nil
}

// MaxFileSize is the per-upload size limit in bytes.
func (v *Validator) MaxFileSize() int64 {
	return v.maxFileSize
}

// ValidateFileSize checks if an upload exceeds max file size
func (v *Validator) ValidateFileSize(size int64) error {
	if v.maxFileSize > 0 && size > v.maxFileSize {
		slog.Error("security_file_size_exceeded",
			"file_size_mb", size/1024/1024,
			"max_file_size_mb", v.maxFileSize/1024/1024)
		return fmt.Errorf("security: file size %d exceeds max %d", size, v.maxFileSize)
	}
	return nil
}

// SanitizeKey lowercases s and keeps only [a-z0-9_-], the rule slugs follow
// everywhere they are stored or compared.
func SanitizeKey(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SanitizeText trims s, drops control characters and collapses inner whitespace runs.
func SanitizeText(s string) string {
	if !utf8.ValidString(s) {
		return ""
	}
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r < 0x20 || r == 0x7f
	})
	return strings.Join(fields, " ")
}

// SanitizeTextarea is SanitizeText for multi-line input: line breaks survive.
func SanitizeTextarea(s string) string {
	if !utf8.ValidString(s) {
		return ""
	}
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	for i, line := range lines {
		lines[i] = SanitizeText(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
