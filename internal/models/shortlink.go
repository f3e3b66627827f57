package models

import "time"

// ShortLink is the canonical mapping from a short code to its destination URL.
type ShortLink struct {
	// ShortCode is the primary key, immutable once assigned.
	ShortCode string `json:"shortCode"`
	// LongURL is the destination the short code redirects to.
	LongURL string `json:"longUrl"`
	// OwnerID identifies the principal that created the link.
	OwnerID string `json:"ownerId"`
	// CreatedAt is set once at creation.
	CreatedAt time.Time `json:"createdAt"`
	// ClickCount is mutated only by the click-recording transaction and
	// always equals the number of click events committed for the code.
	ClickCount int64 `json:"clickCount"`
}

// ClickMetadata carries the request attributes captured with a click.
// Empty fields are stored as UnknownValue.
type ClickMetadata struct {
	SourceAddr string
	UserAgent  string
	Country    string
}

// UnknownValue is the sentinel stored for click metadata that the
// transport could not supply.
const UnknownValue = "Unknown"

// ClickEvent is one immutable record of a single visit against a code.
type ClickEvent struct {
	ShortCode string `json:"shortCode"`
	// Sequence is the post-increment click count at commit time. Sequence
	// numbers are dense and start at 1 for every code.
	Sequence   int64     `json:"sequence"`
	CreatedAt  time.Time `json:"createdAt"`
	SourceAddr string    `json:"ipAddress"`
	UserAgent  string    `json:"userAgent"`
	Country    string    `json:"country"`
}

// Normalize replaces missing metadata fields with UnknownValue.
func (m ClickMetadata) Normalize() ClickMetadata {
	if m.SourceAddr == "" {
		m.SourceAddr = UnknownValue
	}
	if m.UserAgent == "" {
		m.UserAgent = UnknownValue
	}
	if m.Country == "" {
		m.Country = UnknownValue
	}
	return m
}
