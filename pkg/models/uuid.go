package models

import (
	"fmt"
	"strings"

	"github.com/gofrs/uuid"

	"github.com/jamalex/notion-py/pkg/constants"
)

// ExtractID returns the canonical lowercase UUID for a raw id or a page URL.
//
// URLs may point at a page ("https://www.notion.so/Title-<32 hex>"), at a
// block inside a page ("...#<32 hex>") or at a peeked page ("...&p=<32 hex>").
// Ids already in canonical form pass through unchanged.
func ExtractID(urlOrID string) (string, error) {
	raw := strings.TrimSpace(urlOrID)
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		raw = idFromURL(raw)
	}

	id, err := uuid.FromString(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q", constants.ErrInvalidIdentifier, urlOrID)
	}
	return id.String(), nil
}

// MustExtractID is ExtractID for ids known to be valid, such as test fixtures.
func MustExtractID(urlOrID string) string {
	id, err := ExtractID(urlOrID)
	if err != nil {
		panic(err)
	}
	return id
}

func idFromURL(u string) string {
	if i := strings.LastIndex(u, "#"); i >= 0 {
		u = u[i+1:]
	}
	if i := strings.LastIndex(u, "/"); i >= 0 {
		u = u[i+1:]
	}
	if i := strings.LastIndex(u, "&p="); i >= 0 {
		u = u[i+3:]
	}
	if i := strings.Index(u, "?"); i >= 0 {
		u = u[:i]
	}
	if i := strings.LastIndex(u, "-"); i >= 0 && len(u)-i-1 == 32 {
		u = u[i+1:]
	}
	return u
}

// NewID returns a fresh random record id. The service lets clients choose
// ids for the records they create.
func NewID() string {
	return uuid.Must(uuid.NewV4()).String()
}
