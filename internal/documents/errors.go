package documents

import "errors"

var (
	ErrInvalidInput    = errors.New("invalid document input")
	ErrUnsupportedType = errors.New("unsupported document type")
	ErrEmptyDocument   = errors.New("document contains no text")
)
