package domain

import "time"

// Playbook is one registered version of a playbook definition. Rows are
// immutable once written; a new registration of the same path gets a new
// version. Version selection at execution start is explicit and the
// execution stays pinned to it.
type Playbook struct {
	CatalogID   int64     `gorm:"column:catalog_id;primaryKey;autoIncrement" json:"catalog_id"`
	Path        string    `gorm:"column:path;not null;uniqueIndex:idx_playbook_path_version,priority:1" json:"path"`
	Version     int       `gorm:"column:version;not null;uniqueIndex:idx_playbook_path_version,priority:2" json:"version"`
	ContentYAML string    `gorm:"column:content_yaml;not null" json:"content_yaml"`
	ContentHash string    `gorm:"column:content_hash;not null;index" json:"content_hash"`
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`
}

func (Playbook) TableName() string { return "playbook" }
