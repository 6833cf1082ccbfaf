package featureflag

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/haruworks/subsync/app/models"
	"github.com/haruworks/subsync/internal/pkg/billing"
	"github.com/haruworks/subsync/internal/pkg/database"
)

// Repository is the persistence surface of the flag engine.
type Repository interface {
	GetFlag(key string) (*models.FeatureFlag, error)
	SaveFlag(flag *models.FeatureFlag) error
	AdvanceRolloutStage(key string) (*models.FeatureFlag, error)
	ListFlags() ([]models.FeatureFlag, error)
}

type gormStore struct {
	db *gorm.DB
}

// NewGormStore returns the MySQL-backed flag repository.
func NewGormStore(db *gorm.DB) Repository {
	return &gormStore{db: db}
}

// NewDefaultStore uses the shared database handle.
func NewDefaultStore() Repository {
	return &gormStore{db: database.GetDB()}
}

func (s *gormStore) GetFlag(key string) (*models.FeatureFlag, error) {
	var flag models.FeatureFlag
	if err := s.db.Where("`key` = ?", key).First(&flag).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &billing.NotFoundError{Resource: "feature flag", Key: key}
		}
		return nil, err
	}
	return &flag, nil
}

// SaveFlag validates and upserts a flag definition keyed by its flag key.
func (s *gormStore) SaveFlag(flag *models.FeatureFlag) error {
	if err := flag.Validate(); err != nil {
		return &billing.ValidationError{Msg: err.Error()}
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"description", "enabled", "rollout_percentage",
			"user_segments_json", "conditions_json", "metadata_json", "updated_at",
		}),
	}).Create(flag).Error
	if err != nil {
		return err
	}
	return s.db.Where("`key` = ?", flag.Key).First(flag).Error
}

// AdvanceRolloutStage applies the next stage of the flag's rollout plan under
// a row lock and records which stage is now active.
func (s *gormStore) AdvanceRolloutStage(key string) (*models.FeatureFlag, error) {
	var flag models.FeatureFlag
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("`key` = ?", key).First(&flag).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &billing.NotFoundError{Resource: "feature flag", Key: key}
			}
			return err
		}

		if err := applyNextStage(&flag); err != nil {
			return err
		}

		return tx.Save(&flag).Error
	})
	if err != nil {
		return nil, err
	}
	return &flag, nil
}

// applyNextStage mutates the flag in place to its next rollout stage.
func applyNextStage(flag *models.FeatureFlag) error {
	meta, err := flag.Metadata()
	if err != nil {
		return fmt.Errorf("decode flag metadata: %w", err)
	}
	if meta.RolloutPlan == nil || len(meta.RolloutPlan.Stages) == 0 {
		return &billing.ValidationError{Msg: "flag " + flag.Key + " has no rollout plan"}
	}

	next := meta.RolloutPlan.CurrentStage + 1
	if next >= len(meta.RolloutPlan.Stages) {
		return &billing.ValidationError{Msg: "flag " + flag.Key + " is already at its final rollout stage"}
	}

	stage := meta.RolloutPlan.Stages[next]
	flag.Enabled = stage.Enabled
	flag.RolloutPercentage = stage.Percentage
	if stage.Segments != nil {
		if err := flag.SetUserSegments(stage.Segments); err != nil {
			return err
		}
	}
	meta.RolloutPlan.CurrentStage = next
	return flag.SetMetadata(meta)
}

func (s *gormStore) ListFlags() ([]models.FeatureFlag, error) {
	var flags []models.FeatureFlag
	if err := s.db.Order("`key` ASC").Find(&flags).Error; err != nil {
		return nil, err
	}
	return flags, nil
}
