package util

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path"
	"strings"
	"unicode"
)

const maxFileNameRunes = 120

// ErrInvalidFileName is returned for names that are empty or try to traverse directories.
var ErrInvalidFileName = errors.New("invalid file name")

// OwnerKey returns a storage-safe namespace for an owner id. Guest and token subjects map to
// distinct keys because the raw id is hashed as is.
func OwnerKey(ownerID string) string {
	sum := sha256.Sum256([]byte(ownerID))
	return hex.EncodeToString(sum[:])
}

// SanitizeFileName flattens path separators, drops control characters and caps the length while
// keeping the extension that text extraction relies on.
func SanitizeFileName(name string) (string, error) {
	if strings.Contains(name, "..") {
		return "", ErrInvalidFileName
	}
	s := strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\':
			return '_'
		case unicode.IsControl(r):
			return -1
		default:
			return r
		}
	}, strings.TrimSpace(name))
	if s == "" {
		return "", ErrInvalidFileName
	}

	runes := []rune(s)
	if len(runes) <= maxFileNameRunes {
		return s, nil
	}
	ext := path.Ext(s)
	if len([]rune(ext)) >= maxFileNameRunes {
		ext = ""
	}
	keep := maxFileNameRunes - len([]rune(ext))
	return string(runes[:keep]) + ext, nil
}
