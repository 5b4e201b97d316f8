package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/bandroom-chat/internal/models"
)

// RosterRepository reads the band roster owned by the group/profile service.
type RosterRepository interface {
	Find(ctx context.Context, userID string) (models.BandMember, error)
	FindInBand(ctx context.Context, bandID, userID string) (models.BandMember, error)
	ListBand(ctx context.Context, bandID string) ([]models.BandMember, error)
}

type rosterRepository struct {
	db *gorm.DB
}

// NewRosterRepository constructs a roster repository backed by GORM.
func NewRosterRepository(db *gorm.DB) RosterRepository {
	return &rosterRepository{db: db}
}

// Find returns any roster row for the user; display data is shared across bands.
func (r *rosterRepository) Find(ctx context.Context, userID string) (models.BandMember, error) {
	var member models.BandMember
	if err := conn(ctx, r.db).Where("user_id = ?", userID).Order("band_id ASC").First(&member).Error; err != nil {
		return models.BandMember{}, err
	}
	return member, nil
}

func (r *rosterRepository) FindInBand(ctx context.Context, bandID, userID string) (models.BandMember, error) {
	var member models.BandMember
	if err := conn(ctx, r.db).Where("band_id = ? AND user_id = ?", bandID, userID).First(&member).Error; err != nil {
		return models.BandMember{}, err
	}
	return member, nil
}

func (r *rosterRepository) ListBand(ctx context.Context, bandID string) ([]models.BandMember, error) {
	var members []models.BandMember
	if err := conn(ctx, r.db).Where("band_id = ?", bandID).Order("user_id ASC").Find(&members).Error; err != nil {
		return nil, err
	}
	return members, nil
}
