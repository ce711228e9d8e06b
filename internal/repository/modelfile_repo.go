package repository

import (
	"gorm.io/gorm"

	"github.com/janiluuk/vimage-api/internal/model"
)

type ModelFileRepository struct {
	db *gorm.DB
}

func NewModelFileRepository(db *gorm.DB) *ModelFileRepository {
	return &ModelFileRepository{db: db}
}

func (r *ModelFileRepository) GetByID(id int64) (*model.ModelFile, error) {
	var m model.ModelFile
	if err := r.db.Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *ModelFileRepository) ListEnabled() ([]*model.ModelFile, error) {
	var items []*model.ModelFile
	err := r.db.Where("enabled = ?", true).Order("id ASC").Find(&items).Error
	return items, err
}
