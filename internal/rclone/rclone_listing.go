package rclone

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Entry is a single item of an `rclone lsjson` listing
type Entry struct {
	Path     string            `json:"Path"`
	Name     string            `json:"Name"`
	Size     int64             `json:"Size"`
	MimeType string            `json:"MimeType,omitempty"`
	ModTime  time.Time         `json:"ModTime"`
	IsDir    bool              `json:"IsDir"`
	ID       string            `json:"ID,omitempty"`
	Hashes   map[string]string `json:"Hashes,omitempty"`
}

// Equal reports whether two entries describe the same remote state
func (e Entry) Equal(o Entry) bool {
	return e.Path == o.Path &&
		e.Name == o.Name &&
		e.Size == o.Size &&
		e.MimeType == o.MimeType &&
		e.ModTime.Equal(o.ModTime) &&
		e.IsDir == o.IsDir &&
		e.ID == o.ID &&
		maps.Equal(e.Hashes, o.Hashes)
}

// Listing is a recursive snapshot of a remote tree.
// It is only ever compared, never inspected for content.
type Listing []Entry

// ParseListing decodes the JSON array printed by `rclone lsjson`
func ParseListing(data []byte) (Listing, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty output", ErrInvalidListing)
	}

	listing := Listing{}
	if err := json.Unmarshal(data, &listing); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidListing, err)
	}
	return listing, nil
}

// Sort orders the entries by path so that comparison does not depend on listing order
func (l Listing) Sort() {
	slices.SortFunc(l, func(a, b Entry) int {
		return strings.Compare(a.Path, b.Path)
	})
}

// Equal reports structural equality of two sorted listings
func (l Listing) Equal(o Listing) bool {
	return slices.EqualFunc(l, o, Entry.Equal)
}

// TotalSize returns the sum of the file sizes in the listing
func (l Listing) TotalSize() uint64 {
	var total uint64
	for _, e := range l {
		if !e.IsDir && e.Size > 0 {
			total += uint64(e.Size)
		}
	}
	return total
}
