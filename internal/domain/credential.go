package domain

import "time"

// Credential holds secret material encrypted at rest with a symmetric AEAD.
// The plaintext never appears in events or queue payloads; decryption
// happens only inside the secret store on an explicit include_data fetch.
type Credential struct {
	Name          string    `gorm:"column:name;primaryKey" json:"name"`
	Type          string    `gorm:"column:type;not null" json:"type"`
	EncryptedData []byte    `gorm:"column:encrypted_data;not null" json:"-"`
	CreatedAt     time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time `gorm:"not null" json:"updated_at"`
}

func (Credential) TableName() string { return "credential" }
