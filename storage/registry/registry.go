package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when no publication is recorded for a key.
	ErrNotFound = errors.New("registry: publication not found")
	// ErrRootConflict is returned when a different root is recorded for the
	// same epoch and token class.
	ErrRootConflict = errors.New("registry: root conflict")
)

// Publication records one distributor produced for an epoch and token class.
type Publication struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Epoch       string    `gorm:"uniqueIndex:idx_publication_epoch_class;not null"`
	Class       string    `gorm:"uniqueIndex:idx_publication_epoch_class;not null"`
	Root        string    `gorm:"size:66;not null"`
	ChainID     uint64    `gorm:"not null"`
	WindowIndex uint64    `gorm:"not null"`
	LeafCount   int       `gorm:"not null"`
	Checksum    string    `gorm:"size:64"`
	CID         string    `gorm:"column:cid;index"`
	RunID       string    `gorm:"index"`
	PublishedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Registry persists publication records through gorm.
type Registry struct {
	db *gorm.DB
}

// Open connects to dsn. postgres:// and postgresql:// DSNs use the Postgres
// driver; anything else is handed to the pure-Go SQLite driver.
func Open(dsn string) (*Registry, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("registry: dsn required")
	}
	isPostgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
	var dialector gorm.Dialector
	if isPostgres {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("registry: open: %w", err)
	}
	if !isPostgres {
		// sqlite allows a single writer
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("registry: open: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB) (*Registry, error) {
	if db == nil {
		return nil, errors.New("registry: db required")
	}
	if err := db.AutoMigrate(&Publication{}); err != nil {
		return nil, fmt.Errorf("registry: migrate: %w", err)
	}
	return &Registry{db: db}, nil
}

// Close releases the underlying connection pool.
func (r *Registry) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record stores p. Re-recording the same root refreshes the checksum, leaf
// count and run id; a different root is rejected with ErrRootConflict.
func (r *Registry) Record(ctx context.Context, p Publication) (*Publication, error) {
	if p.Epoch == "" || p.Class == "" || p.Root == "" {
		return nil, errors.New("registry: epoch, class and root required")
	}
	var out Publication
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Publication
		err := tx.Where("epoch = ? AND class = ?", p.Epoch, p.Class).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if p.ID == uuid.Nil {
				p.ID = uuid.New()
			}
			if err := tx.Create(&p).Error; err != nil {
				return err
			}
			out = p
			return nil
		case err != nil:
			return err
		}
		if !strings.EqualFold(existing.Root, p.Root) {
			return fmt.Errorf("%w: %s/%s recorded %s, got %s", ErrRootConflict, p.Epoch, p.Class, existing.Root, p.Root)
		}
		existing.Checksum = p.Checksum
		existing.LeafCount = p.LeafCount
		existing.RunID = p.RunID
		if p.CID != "" {
			existing.CID = p.CID
			existing.PublishedAt = p.PublishedAt
		}
		if err := tx.Save(&existing).Error; err != nil {
			return err
		}
		out = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkPublished attaches a content identifier to a recorded publication.
func (r *Registry) MarkPublished(ctx context.Context, epoch, class, cid string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&Publication{}).
		Where("epoch = ? AND class = ?", epoch, class).
		Updates(map[string]interface{}{"cid": cid, "published_at": at.UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, epoch, class)
	}
	return nil
}

// Get returns the publication for epoch and class.
func (r *Registry) Get(ctx context.Context, epoch, class string) (*Publication, error) {
	var p Publication
	err := r.db.WithContext(ctx).Where("epoch = ? AND class = ?", epoch, class).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, epoch, class)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// List returns the publications of an epoch ordered by class. An empty epoch
// lists everything ordered by epoch then class.
func (r *Registry) List(ctx context.Context, epoch string) ([]Publication, error) {
	var out []Publication
	q := r.db.WithContext(ctx).Order("epoch ASC").Order("class ASC")
	if epoch != "" {
		q = q.Where("epoch = ?", epoch)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
