// Package service implements the short-link registry: record and
// owner-index lifecycle, the append-only click log, and the change-feed
// entry point. All shared state lives in the injected kv.Store; cross-key
// consistency is enforced with atomic commits and version checks, never
// with in-process locks.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/vadimbarashkov/shortlink-registry/internal/kv"
	"github.com/vadimbarashkov/shortlink-registry/internal/models"
	"github.com/vadimbarashkov/shortlink-registry/internal/shortcode"
)

var (
	// ErrLinkNotFound is returned when an operation targets a code with no
	// stored record.
	ErrLinkNotFound = errors.New("short link not found")
	// ErrClickConflict is returned when a concurrent click won the
	// optimistic version check. The caller's policy is to log and drop the
	// click, not retry.
	ErrClickConflict = errors.New("concurrent click recorded first")
)

const (
	nsShortLinks = "shortlinks"
	nsOwners     = "owners"
	nsAnalytics  = "analytics"
)

func linkKey(code string) kv.Key {
	return kv.Key{nsShortLinks, code}
}

func ownerKey(ownerID, code string) kv.Key {
	return kv.Key{nsOwners, ownerID, code}
}

func eventKey(code string, seq int64) kv.Key {
	return kv.Key{nsAnalytics, code, strconv.FormatInt(seq, 10)}
}

// ShortLinkService is the storage and consistency core of the registry.
type ShortLinkService struct {
	store kv.Store
}

func NewShortLinkService(store kv.Store) *ShortLinkService {
	return &ShortLinkService{
		store: store,
	}
}

// Shorten generates a code for longURL and stores the record under it.
func (s *ShortLinkService) Shorten(ctx context.Context, longURL, ownerID string) (*models.ShortLink, error) {
	const op = "service.ShortLinkService.Shorten"

	code, err := shortcode.Generate(longURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	link, err := s.CreateShortLink(ctx, code, longURL, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return link, nil
}

// CreateShortLink writes the record and its owner-index entry in one
// atomic commit. It does not verify code uniqueness beforehand: a
// colliding code overwrites the previous record (last writer wins).
func (s *ShortLinkService) CreateShortLink(ctx context.Context, code, longURL, ownerID string) (*models.ShortLink, error) {
	const op = "service.ShortLinkService.CreateShortLink"

	link := &models.ShortLink{
		ShortCode: code,
		LongURL:   longURL,
		OwnerID:   ownerID,
		CreatedAt: time.Now().UTC(),
	}

	value, err := json.Marshal(link)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to marshal record: %w", op, err)
	}

	indexValue, err := json.Marshal(code)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to marshal index entry: %w", op, err)
	}

	tx := kv.NewAtomic().
		Set(linkKey(code), value).
		Set(ownerKey(ownerID, code), indexValue)

	if err := s.store.Commit(ctx, tx); err != nil {
		return nil, fmt.Errorf("%s: failed to store short link: %w", op, err)
	}

	return link, nil
}

// GetByCode returns the record stored under code.
func (s *ShortLinkService) GetByCode(ctx context.Context, code string) (*models.ShortLink, error) {
	const op = "service.ShortLinkService.GetByCode"

	entry, err := s.store.Get(ctx, linkKey(code))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read record: %w", op, err)
	}
	if !entry.Exists() {
		return nil, fmt.Errorf("%s: %q: %w", op, code, ErrLinkNotFound)
	}

	var link models.ShortLink
	if err := json.Unmarshal(entry.Value, &link); err != nil {
		return nil, fmt.Errorf("%s: failed to unmarshal record: %w", op, err)
	}

	return &link, nil
}

// resolveBatchSize bounds the multi-key reads ListByOwner issues while
// resolving index entries to records.
const resolveBatchSize = 32

// ListByOwner returns a lazy, restartable sequence over the owner's
// records. Index entries whose record disappeared between the index scan
// and the resolve step are silently skipped.
func (s *ShortLinkService) ListByOwner(ctx context.Context, ownerID string) iter.Seq2[models.ShortLink, error] {
	const op = "service.ShortLinkService.ListByOwner"

	return func(yield func(models.ShortLink, error) bool) {
		batch := make([]kv.Key, 0, resolveBatchSize)

		flush := func() bool {
			if len(batch) == 0 {
				return true
			}

			entries, err := s.store.GetMany(ctx, batch)
			if err != nil {
				yield(models.ShortLink{}, fmt.Errorf("%s: failed to resolve index entries: %w", op, err))
				return false
			}
			batch = batch[:0]

			for _, e := range entries {
				if !e.Exists() {
					continue
				}

				var link models.ShortLink
				if err := json.Unmarshal(e.Value, &link); err != nil {
					yield(models.ShortLink{}, fmt.Errorf("%s: failed to unmarshal record: %w", op, err))
					return false
				}
				if !yield(link, nil) {
					return false
				}
			}

			return true
		}

		for entry, err := range s.store.List(ctx, kv.Key{nsOwners, ownerID}) {
			if err != nil {
				yield(models.ShortLink{}, fmt.Errorf("%s: failed to scan owner index: %w", op, err))
				return
			}

			var code string
			if err := json.Unmarshal(entry.Value, &code); err != nil {
				yield(models.ShortLink{}, fmt.Errorf("%s: failed to unmarshal index entry: %w", op, err))
				return
			}

			batch = append(batch, linkKey(code))
			if len(batch) == resolveBatchSize {
				if !flush() {
					return
				}
			}
		}

		flush()
	}
}

// ListAll returns a lazy, restartable sequence over every record. It is
// a full scan intended for administrative listing of small datasets.
func (s *ShortLinkService) ListAll(ctx context.Context) iter.Seq2[models.ShortLink, error] {
	const op = "service.ShortLinkService.ListAll"

	return func(yield func(models.ShortLink, error) bool) {
		for entry, err := range s.store.List(ctx, kv.Key{nsShortLinks}) {
			if err != nil {
				yield(models.ShortLink{}, fmt.Errorf("%s: failed to scan records: %w", op, err))
				return
			}

			var link models.ShortLink
			if err := json.Unmarshal(entry.Value, &link); err != nil {
				yield(models.ShortLink{}, fmt.Errorf("%s: failed to unmarshal record: %w", op, err))
				return
			}
			if !yield(link, nil) {
				return
			}
		}
	}
}

// RecordClick increments the click counter and appends the click event in
// a single commit guarded by a version check on the record. The event's
// sequence number is the post-increment counter value, so sequence
// numbers are dense and start at 1. A lost race fails with
// ErrClickConflict and writes nothing.
func (s *ShortLinkService) RecordClick(ctx context.Context, code string, meta models.ClickMetadata) (*models.ClickEvent, error) {
	const op = "service.ShortLinkService.RecordClick"

	entry, err := s.store.Get(ctx, linkKey(code))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read record: %w", op, err)
	}
	if !entry.Exists() {
		return nil, fmt.Errorf("%s: %q: %w", op, code, ErrLinkNotFound)
	}

	var link models.ShortLink
	if err := json.Unmarshal(entry.Value, &link); err != nil {
		return nil, fmt.Errorf("%s: failed to unmarshal record: %w", op, err)
	}

	link.ClickCount++
	meta = meta.Normalize()

	event := &models.ClickEvent{
		ShortCode:  code,
		Sequence:   link.ClickCount,
		CreatedAt:  time.Now().UTC(),
		SourceAddr: meta.SourceAddr,
		UserAgent:  meta.UserAgent,
		Country:    meta.Country,
	}

	linkValue, err := json.Marshal(link)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to marshal record: %w", op, err)
	}

	eventValue, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to marshal event: %w", op, err)
	}

	tx := kv.NewAtomic().
		Check(linkKey(code), entry.Version).
		Set(linkKey(code), linkValue).
		Set(eventKey(code, event.Sequence), eventValue)

	if err := s.store.Commit(ctx, tx); err != nil {
		if errors.Is(err, kv.ErrVersionMismatch) {
			return nil, fmt.Errorf("%s: %q: %w", op, code, ErrClickConflict)
		}

		return nil, fmt.Errorf("%s: failed to record click: %w", op, err)
	}

	return event, nil
}

// GetClickEvent returns the event committed at the given sequence number.
// Passing the record's current click count yields the most recent event.
func (s *ShortLinkService) GetClickEvent(ctx context.Context, code string, seq int64) (*models.ClickEvent, error) {
	const op = "service.ShortLinkService.GetClickEvent"

	entry, err := s.store.Get(ctx, eventKey(code, seq))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read event: %w", op, err)
	}
	if !entry.Exists() {
		return nil, fmt.Errorf("%s: %q/%d: %w", op, code, seq, ErrLinkNotFound)
	}

	var event models.ClickEvent
	if err := json.Unmarshal(entry.Value, &event); err != nil {
		return nil, fmt.Errorf("%s: failed to unmarshal event: %w", op, err)
	}

	return &event, nil
}

// Subscribe opens a change feed on the code's primary record. The handle
// reports one notification per commit, in commit order; the caller must
// re-read current state after each notification and Cancel the handle
// when done.
func (s *ShortLinkService) Subscribe(code string) *kv.Subscription {
	return s.store.Watch(linkKey(code))
}
