// internal/models/models.go
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Domain is the owning entity kind of an uploaded image.
type Domain string

const (
	DomainShops    Domain = "shops"
	DomainReviews  Domain = "reviews"
	DomainProfiles Domain = "profiles"
)

// SizeOriginal names the untouched upload. It is never generated.
const SizeOriginal = "original"

var ErrUnknownDomain = errors.New("unknown image domain")

// ParseDomain validates a domain taken from a route or message.
func ParseDomain(s string) (Domain, error) {
	switch d := Domain(strings.ToLower(strings.TrimSpace(s))); d {
	case DomainShops, DomainReviews, DomainProfiles:
		return d, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDomain, s)
	}
}

// ContentRecord is an uploaded image and the derivatives materialized for it.
type ContentRecord struct {
	ID           uuid.UUID      `db:"id" json:"id"`
	Domain       Domain         `db:"domain" json:"domain"`
	Filename     string         `db:"filename" json:"filename"`
	OriginalPath string         `db:"original_path" json:"original_path"`
	Generated    GeneratedSizes `db:"generated_sizes" json:"generated_sizes"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
}

// GeneratedSizes maps a size name to whether its derivative exists in storage.
//
// Older rows stored the map as a JSON-encoded string ("{\"thumbnail\":true}").
// UnmarshalJSON accepts both forms so callers only ever see the map.
type GeneratedSizes map[string]bool

// Has reports whether size has been generated. A nil map has nothing.
func (g GeneratedSizes) Has(size string) bool {
	return g[size]
}

// Clone returns an independent copy, never nil.
func (g GeneratedSizes) Clone() GeneratedSizes {
	out := make(GeneratedSizes, len(g))
	for k, v := range g {
		out[k] = v
	}
	return out
}

// Names lists the generated sizes in sorted order.
func (g GeneratedSizes) Names() []string {
	names := make([]string, 0, len(g))
	for k, v := range g {
		if v {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

func (g GeneratedSizes) MarshalJSON() ([]byte, error) {
	if g == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]bool(g))
}

func (g *GeneratedSizes) UnmarshalJSON(data []byte) error {
	parsed, err := ParseGeneratedSizes(data)
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// ParseGeneratedSizes decodes a persisted registry field. It accepts a JSON
// object, a JSON string holding an object, null, or empty input.
func ParseGeneratedSizes(data []byte) (GeneratedSizes, error) {
	const op = "models.ParseGeneratedSizes"

	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return GeneratedSizes{}, nil
	}

	if strings.HasPrefix(trimmed, `"`) {
		var legacy string
		if err := json.Unmarshal([]byte(trimmed), &legacy); err != nil {
			return nil, fmt.Errorf("%s: legacy string: %w", op, err)
		}
		return ParseGeneratedSizes([]byte(legacy))
	}

	out := GeneratedSizes{}
	if err := json.Unmarshal([]byte(trimmed), (*map[string]bool)(&out)); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}
