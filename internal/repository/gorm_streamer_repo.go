package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/weiawesome/streamer-status/internal/domain"
	"github.com/weiawesome/streamer-status/pkg/database"
	"github.com/weiawesome/streamer-status/pkg/log"
)

// GormStreamerRepository implements StreamerRepository using GORM.
type GormStreamerRepository struct {
	db *gorm.DB
}

// NewGormStreamerRepository creates a new GORM-based streamer repository.
func NewGormStreamerRepository(db *gorm.DB) *GormStreamerRepository {
	return &GormStreamerRepository{db: db}
}

// Migrate creates or updates the streamers table.
func (r *GormStreamerRepository) Migrate() error {
	return database.AutoMigrate(r.db, &domain.StreamerModel{})
}

// Create inserts a streamer, assigning an ID when empty.
func (r *GormStreamerRepository) Create(ctx context.Context, s *domain.Streamer) error {
	l := log.Ctx(ctx)

	if err := s.Validate(); err != nil {
		return err
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}

	model := domain.StreamerToModel(s)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		l.Error().Err(err).Str(log.FieldStreamerID, s.ID).Msg("failed to create streamer in db")
		return err
	}
	s.UpdatedAt = model.UpdatedAt
	return nil
}

// FindByID retrieves a streamer by ID.
func (r *GormStreamerRepository) FindByID(ctx context.Context, id string) (*domain.Streamer, error) {
	var model domain.StreamerModel
	result := r.db.WithContext(ctx).First(&model, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrStreamerNotFound
		}
		l := log.Ctx(ctx)
		l.Error().Err(result.Error).Str(log.FieldStreamerID, id).Msg("failed to get streamer by id")
		return nil, result.Error
	}
	return model.ToDomain(), nil
}

// ListAll returns a snapshot of every tracked streamer.
func (r *GormStreamerRepository) ListAll(ctx context.Context) ([]*domain.Streamer, error) {
	var models []domain.StreamerModel
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&models).Error; err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to list streamers")
		return nil, err
	}
	return toDomain(models), nil
}

// ListByIDs returns the streamers with the given IDs. Unknown IDs are skipped.
func (r *GormStreamerRepository) ListByIDs(ctx context.Context, ids []string) ([]*domain.Streamer, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var models []domain.StreamerModel
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("name ASC").Find(&models).Error; err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Int("count", len(ids)).Msg("failed to list streamers by id")
		return nil, err
	}
	return toDomain(models), nil
}

// UpdateStatus persists a canonical status.
func (r *GormStreamerRepository) UpdateStatus(ctx context.Context, id string, st domain.Status) error {
	result := r.db.WithContext(ctx).
		Model(&domain.StreamerModel{}).
		Where("id = ?", id).
		Updates(domain.StatusColumns(st))
	if result.Error != nil {
		l := log.Ctx(ctx)
		l.Error().Err(result.Error).Str(log.FieldStreamerID, id).Msg("failed to update streamer status")
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStreamerNotFound
	}
	return nil
}

// Ping checks database connectivity.
func (r *GormStreamerRepository) Ping(ctx context.Context) error {
	return database.Ping(ctx, r.db)
}

func toDomain(models []domain.StreamerModel) []*domain.Streamer {
	out := make([]*domain.Streamer, len(models))
	for i := range models {
		out[i] = models[i].ToDomain()
	}
	return out
}
