package models

import (
	"time"

	"github.com/google/uuid"
)

// Company is the tenant boundary. Jobs and establishments belong to a company.
type Company struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	IsActive  bool      `db:"is_active"  json:"is_active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Establishment maps a physical site to its remote-store folder. The folder
// id is how the change watcher resolves which establishment a new document
// belongs to.
type Establishment struct {
	ID             uuid.UUID  `db:"id"              json:"id"`
	CompanyID      *uuid.UUID `db:"company_id"      json:"company_id,omitempty"`
	Name           string     `db:"name"            json:"name"`
	NormalizedName string     `db:"normalized_name" json:"normalized_name"`
	DriveFolderID  string     `db:"drive_folder_id" json:"drive_folder_id"`
	CreatedAt      time.Time  `db:"created_at"      json:"created_at"`
}
