package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"gorm.io/gorm"

	"github.com/trickstertwo/xrelay"
)

// record is the persisted row shape. Headers are stored as a JSON blob so
// the store stays dialect-agnostic.
type record struct {
	ID            string    `gorm:"primaryKey;type:varchar(36)"`
	EventType     string    `gorm:"type:varchar(128);not null"`
	AggregateType string    `gorm:"type:varchar(128);index"`
	Payload       []byte    `gorm:"not null"`
	Headers       []byte
	CreatedAt     time.Time `gorm:"index"`
	Processed     bool      `gorm:"index;default:false"`
	ProcessedAt   *time.Time
	ClaimedAt     *time.Time
}

func (record) TableName() string { return "outbox_messages" }

// GormStore is a Store backed by a relational database through gorm.
type GormStore struct {
	db       *gorm.DB
	clock    xclock.Clock
	claimTTL time.Duration
}

// GormOption configures a GormStore.
type GormOption func(*GormStore)

// WithGormClock injects a custom clock.
func WithGormClock(c xclock.Clock) GormOption {
	return func(s *GormStore) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithGormClaimTTL overrides the drain lease TTL.
func WithGormClaimTTL(d time.Duration) GormOption {
	return func(s *GormStore) {
		if d > 0 {
			s.claimTTL = d
		}
	}
}

var _ Store = (*GormStore)(nil)

// NewGormStore migrates the outbox table and returns the store.
func NewGormStore(db *gorm.DB, opts ...GormOption) (*GormStore, error) {
	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("%w: migrate outbox: %v", xrelay.ErrPersistence, err)
	}
	s := &GormStore{
		db:       db,
		clock:    xclock.Default(),
		claimTTL: DefaultClaimTTL,
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s, nil
}

func (s *GormStore) Add(ctx context.Context, eventType, aggregateType string, payload json.RawMessage, headers map[string]string) (Message, error) {
	var hdr []byte
	if len(headers) > 0 {
		b, err := json.Marshal(headers)
		if err != nil {
			return Message{}, fmt.Errorf("%w: encode headers: %v", xrelay.ErrPersistence, err)
		}
		hdr = b
	}

	rec := record{
		ID:            uuid.New().String(),
		EventType:     eventType,
		AggregateType: aggregateType,
		Payload:       append([]byte(nil), payload...),
		Headers:       hdr,
		CreatedAt:     s.clock.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return Message{}, fmt.Errorf("%w: insert outbox message: %v", xrelay.ErrPersistence, err)
	}
	return toMessage(rec), nil
}

func (s *GormStore) Pending(ctx context.Context) ([]Message, error) {
	var recs []record
	err := s.db.WithContext(ctx).
		Where("processed = ?", false).
		Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("%w: list pending: %v", xrelay.ErrPersistence, err)
	}

	out := make([]Message, 0, len(recs))
	for _, r := range recs {
		out = append(out, toMessage(r))
	}
	return out, nil
}

// Claim leases rows one by one with a conditional update so that concurrent
// drain instances never both win the same message: the UPDATE only succeeds
// while the row is unprocessed and its lease is absent or expired.
func (s *GormStore) Claim(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	now := s.clock.Now().UTC()
	cutoff := now.Add(-s.claimTTL)

	var candidates []record
	err := s.db.WithContext(ctx).
		Where("processed = ? AND (claimed_at IS NULL OR claimed_at < ?)", false, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("%w: list claimable: %v", xrelay.ErrPersistence, err)
	}

	var claimed []Message
	for _, cand := range candidates {
		res := s.db.WithContext(ctx).
			Model(&record{}).
			Where("id = ? AND processed = ? AND (claimed_at IS NULL OR claimed_at < ?)", cand.ID, false, cutoff).
			Update("claimed_at", now)
		if res.Error != nil {
			return claimed, fmt.Errorf("%w: claim %s: %v", xrelay.ErrPersistence, cand.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue // lost the race to another claimant
		}
		cand.ClaimedAt = &now
		claimed = append(claimed, toMessage(cand))
	}
	return claimed, nil
}

func (s *GormStore) Release(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).
		Model(&record{}).
		Where("id = ?", id).
		Update("claimed_at", nil)
	if res.Error != nil {
		return fmt.Errorf("%w: release %s: %v", xrelay.ErrPersistence, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) MarkProcessed(ctx context.Context, id string) error {
	now := s.clock.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&record{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(map[string]any{"processed": true, "processed_at": now})
	if res.Error != nil {
		return fmt.Errorf("%w: mark processed %s: %v", xrelay.ErrPersistence, id, res.Error)
	}
	if res.RowsAffected == 0 {
		// Either already processed (idempotent no-op) or unknown id.
		var rec record
		err := s.db.WithContext(ctx).Select("id").First(&rec, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: lookup %s: %v", xrelay.ErrPersistence, id, err)
		}
	}
	return nil
}

func (s *GormStore) Purge(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("1 = 1").Delete(&record{}).Error; err != nil {
		return fmt.Errorf("%w: purge outbox: %v", xrelay.ErrPersistence, err)
	}
	return nil
}

func toMessage(r record) Message {
	m := Message{
		ID:            r.ID,
		EventType:     r.EventType,
		AggregateType: r.AggregateType,
		Payload:       append(json.RawMessage(nil), r.Payload...),
		CreatedAt:     r.CreatedAt,
		Processed:     r.Processed,
		ProcessedAt:   r.ProcessedAt,
		ClaimedAt:     r.ClaimedAt,
	}
	if len(r.Headers) > 0 {
		_ = json.Unmarshal(r.Headers, &m.Headers)
	}
	return m
}
