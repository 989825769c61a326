package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string    `gorm:"primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	IsActive     bool      `gorm:"not null;default:true"`
	CreatedAt    time.Time `gorm:"not null"`
}

type UploadModel struct {
	ID        string         `gorm:"primaryKey"`
	UserID    string         `gorm:"not null;index"`
	Files     datatypes.JSON `gorm:"not null"`
	Path      string         `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null"`
}

type JobModel struct {
	ID          string  `gorm:"primaryKey"`
	UserID      string  `gorm:"not null;index"`
	UploadID    string  `gorm:"not null;index"`
	Status      string  `gorm:"not null"`
	Progress    float64 `gorm:"not null;default:0"`
	Error       string
	ReportPath  string
	CreatedAt   time.Time `gorm:"not null;index"`
	CompletedAt *time.Time
}

type TokenAccountModel struct {
	UserID         string    `gorm:"primaryKey"`
	Balance        int       `gorm:"not null;default:0"`
	TotalPurchased int       `gorm:"not null;default:0"`
	LastUpdated    time.Time `gorm:"not null"`
}

func (TokenAccountModel) TableName() string { return "user_tokens" }

type TokenTransactionModel struct {
	ID          string `gorm:"primaryKey"`
	UserID      string `gorm:"not null;index"`
	Type        string `gorm:"not null"`
	Amount      int    `gorm:"not null"`
	Description string
	CreatedAt   time.Time `gorm:"not null;index"`
}

type ReferralModel struct {
	ID            string `gorm:"primaryKey"`
	ReferrerID    string `gorm:"not null;index"`
	Code          string `gorm:"uniqueIndex;not null"`
	RefereeEmail  *string
	RefereeUserID *string   `gorm:"index"`
	TokensAwarded int       `gorm:"not null;default:0"`
	CreatedAt     time.Time `gorm:"not null"`
}

type FeedbackModel struct {
	ID        string `gorm:"primaryKey"`
	JobID     string `gorm:"not null;index"`
	Section   string `gorm:"not null"`
	Approved  bool   `gorm:"not null"`
	Comments  string
	CreatedAt time.Time `gorm:"not null"`
}
