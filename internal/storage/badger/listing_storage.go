package badger

import (
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/venari/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ListingStorage persists extracted listings keyed by their source ad ID
type ListingStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// seenURL records a listing URL that has already been dispatched for
// processing, so repeated search sweeps don't re-enqueue the same ad.
type seenURL struct {
	URL    string `badgerhold:"unique"`
	SeenAt time.Time
}

// ListingStats summarizes the stored listing population
type ListingStats struct {
	Total     int       `json:"total"`
	Pending   int       `json:"pending"`
	Draft     int       `json:"draft"`
	Published int       `json:"published"`
	Updated   time.Time `json:"updated"`
}

// NewListingStorage creates a new ListingStorage instance
func NewListingStorage(db *BadgerDB, logger arbor.ILogger) *ListingStorage {
	return &ListingStorage{
		db:     db,
		logger: logger,
	}
}

// SaveListing inserts or updates a listing keyed by SourceID.
// Status only moves forward: a stored published listing is never
// downgraded by a later sweep, though its mutable fields still update.
func (s *ListingStorage) SaveListing(rec *models.ListingRecord) error {
	if rec.SourceID == "" {
		return fmt.Errorf("listing source ID is required")
	}

	now := time.Now()

	var existing models.ListingRecord
	err := s.db.Store().Get(rec.SourceID, &existing)
	switch err {
	case nil:
		rec.CreatedAt = existing.CreatedAt
		if existing.Status == models.StatusPublished && rec.Status != models.StatusPublished {
			rec.Status = models.StatusPublished
		}
		if len(rec.LocalImages) == 0 {
			rec.LocalImages = existing.LocalImages
		}
	case badgerhold.ErrNotFound:
		rec.CreatedAt = now
	default:
		return fmt.Errorf("failed to read existing listing: %w", err)
	}

	rec.UpdatedAt = now

	if err := s.db.Store().Upsert(rec.SourceID, rec); err != nil {
		return fmt.Errorf("failed to save listing: %w", err)
	}
	return nil
}

// GetListing returns a listing by source ad ID
func (s *ListingStorage) GetListing(sourceID string) (*models.ListingRecord, error) {
	var rec models.ListingRecord
	if err := s.db.Store().Get(sourceID, &rec); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("listing not found: %s", sourceID)
		}
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	return &rec, nil
}

// GetByContentHash returns the first listing matching a content hash
func (s *ListingStorage) GetByContentHash(hash string) (*models.ListingRecord, error) {
	var recs []models.ListingRecord
	if err := s.db.Store().Find(&recs, badgerhold.Where("ContentHash").Eq(hash)); err != nil {
		return nil, fmt.Errorf("failed to find listing by hash: %w", err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("listing not found for hash: %s", hash)
	}
	return &recs[0], nil
}

// ListByStatus returns listings in a lifecycle state, newest first
func (s *ListingStorage) ListByStatus(status models.ListingStatus, limit int) ([]*models.ListingRecord, error) {
	query := badgerhold.Where("Status").Eq(status).Index("Status").SortBy("UpdatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var recs []models.ListingRecord
	if err := s.db.Store().Find(&recs, query); err != nil {
		return nil, fmt.Errorf("failed to list listings: %w", err)
	}

	result := make([]*models.ListingRecord, len(recs))
	for i := range recs {
		result[i] = &recs[i]
	}
	return result, nil
}

// CountByStatus counts listings in a lifecycle state
func (s *ListingStorage) CountByStatus(status models.ListingStatus) (int, error) {
	count, err := s.db.Store().Count(&models.ListingRecord{}, badgerhold.Where("Status").Eq(status).Index("Status"))
	if err != nil {
		return 0, fmt.Errorf("failed to count listings: %w", err)
	}
	return int(count), nil
}

// GetStats returns listing counts per lifecycle state
func (s *ListingStorage) GetStats() (*ListingStats, error) {
	total, err := s.db.Store().Count(&models.ListingRecord{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to count listings: %w", err)
	}

	pending, _ := s.CountByStatus(models.StatusPending)
	draft, _ := s.CountByStatus(models.StatusDraft)
	published, _ := s.CountByStatus(models.StatusPublished)

	return &ListingStats{
		Total:     int(total),
		Pending:   pending,
		Draft:     draft,
		Published: published,
		Updated:   time.Now(),
	}, nil
}

// MarkSeen records that a listing URL has been dispatched
func (s *ListingStorage) MarkSeen(url string) error {
	if url == "" {
		return fmt.Errorf("url is required")
	}
	mark := seenURL{URL: url, SeenAt: time.Now()}
	if err := s.db.Store().Upsert(url, &mark); err != nil {
		return fmt.Errorf("failed to mark url seen: %w", err)
	}
	return nil
}

// IsSeen reports whether a listing URL has already been dispatched
func (s *ListingStorage) IsSeen(url string) (bool, error) {
	var mark seenURL
	err := s.db.Store().Get(url, &mark)
	switch err {
	case nil:
		return true, nil
	case badgerhold.ErrNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("failed to check seen url: %w", err)
	}
}

// DeleteListing removes a listing. Missing records are not an error.
func (s *ListingStorage) DeleteListing(sourceID string) error {
	if err := s.db.Store().Delete(sourceID, &models.ListingRecord{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete listing: %w", err)
	}
	return nil
}
