// Package pagination parses zero-based page/pageSize query parameters.
package pagination

import (
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidPage is returned for non-numeric page parameters.
var ErrInvalidPage = errors.New("page and pageSize must be integers")

// Page is a zero-based page request.
type Page struct {
	Number int `json:"page"`
	Size   int `json:"pageSize"`
}

// Offset is the number of rows to skip.
func (p Page) Offset() int {
	return p.Number * p.Size
}

// Parse reads page and size query values. Empty values take the defaults
// (page 0, defaultSize); out-of-range values are clamped to
// 0 <= page and 1 <= size <= maxSize.
func Parse(page, size string, defaultSize, maxSize int) (Page, error) {
	p := Page{Size: defaultSize}
	if s := strings.TrimSpace(page); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return Page{}, ErrInvalidPage
		}
		p.Number = n
	}
	if s := strings.TrimSpace(size); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return Page{}, ErrInvalidPage
		}
		p.Size = n
	}
	return p.Clamp(defaultSize, maxSize), nil
}

// Clamp bounds p to valid values.
func (p Page) Clamp(defaultSize, maxSize int) Page {
	if p.Number < 0 {
		p.Number = 0
	}
	if p.Size <= 0 {
		p.Size = defaultSize
	}
	if p.Size > maxSize {
		p.Size = maxSize
	}
	return p
}

// HasMore reports whether rows exist past page p given the total count.
func HasMore(p Page, total int) bool {
	return p.Offset()+p.Size < total
}
