package models

import (
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// Entry is one catalog item as served by the remote catalog API. Identity
// is the numeric ID; the value itself is immutable.
type Entry struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Height         int    `json:"height"`
	Weight         int    `json:"weight"`
	PrimaryType    string `json:"primary_type"`
	SecondaryType  string `json:"secondary_type,omitempty"`
	BaseExperience int    `json:"base_experience"`
	SpriteURL      string `json:"sprite_url"`
}

// CachedEntry is the on-disk projection of an Entry. NameKey carries the
// lower-cased name for case-insensitive lookups; FetchedAt records when the
// row was last written by a successful fetch.
type CachedEntry struct {
	bun.BaseModel `bun:"table:entries,alias:e"`

	ID             int64     `bun:"id,pk"`
	Name           string    `bun:"name,notnull"`
	NameKey        string    `bun:"name_key,notnull"`
	Height         int       `bun:"height,notnull"`
	Weight         int       `bun:"weight,notnull"`
	PrimaryType    string    `bun:"primary_type,notnull"`
	SecondaryType  string    `bun:"secondary_type"`
	BaseExperience int       `bun:"base_experience,notnull"`
	SpriteURL      string    `bun:"sprite_url"`
	FetchedAt      time.Time `bun:"fetched_at,notnull"`
}

func (c *CachedEntry) ToDomain() Entry {
	return Entry{
		ID:             c.ID,
		Name:           c.Name,
		Height:         c.Height,
		Weight:         c.Weight,
		PrimaryType:    c.PrimaryType,
		SecondaryType:  c.SecondaryType,
		BaseExperience: c.BaseExperience,
		SpriteURL:      c.SpriteURL,
	}
}

func ToCache(e Entry) *CachedEntry {
	return &CachedEntry{
		ID:             e.ID,
		Name:           e.Name,
		NameKey:        strings.ToLower(e.Name),
		Height:         e.Height,
		Weight:         e.Weight,
		PrimaryType:    e.PrimaryType,
		SecondaryType:  e.SecondaryType,
		BaseExperience: e.BaseExperience,
		SpriteURL:      e.SpriteURL,
		FetchedAt:      time.Now(),
	}
}

func ToCacheAll(entries []Entry) []*CachedEntry {
	records := make([]*CachedEntry, 0, len(entries))
	for _, e := range entries {
		records = append(records, ToCache(e))
	}
	return records
}

func ToDomainAll(records []*CachedEntry) []Entry {
	entries := make([]Entry, 0, len(records))
	for _, r := range records {
		entries = append(entries, r.ToDomain())
	}
	return entries
}
