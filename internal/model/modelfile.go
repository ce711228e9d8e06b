package model

import "time"

// ModelFile 渲染可选的模型（checkpoint）
type ModelFile struct {
	ID          int64     `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"size:100;not null" json:"name"`
	Filename    string    `gorm:"size:255;not null" json:"filename"`
	Hash        string    `gorm:"size:64" json:"hash"`
	Enabled     bool      `gorm:"not null;default:true" json:"enabled"`
	Description string    `gorm:"type:text" json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (ModelFile) TableName() string {
	return "model_files"
}
