package domain

import "time"

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

type TransactionType string

const (
	TxPurchase      TransactionType = "purchase"
	TxConsumption   TransactionType = "consumption"
	TxReferralBonus TransactionType = "referral_bonus"
)

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
}

// FileInfo describes one accepted file inside an upload.
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
	Path string `json:"path"`
}

// Upload is an immutable set of user-submitted files grouped under one id.
type Upload struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	Files     []FileInfo `json:"files"`
	Path      string     `json:"-"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Job is one manuscript-generation attempt tied to one upload.
//
// Invariants maintained by the store and orchestrator: Progress is
// non-decreasing while Status is processing; CompletedAt is set iff the
// status is terminal; Error is set iff failed; ReportPath iff completed.
type Job struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	UploadID    string     `json:"uploadId"`
	Status      JobStatus  `json:"status"`
	Progress    float64    `json:"progress"`
	Error       string     `json:"error,omitempty"`
	ReportPath  string     `json:"-"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// TokenAccount holds a user's prepaid balance. One row per user, lazily
// created with a zero balance on first access.
type TokenAccount struct {
	UserID         string    `json:"userId"`
	Balance        int       `json:"balance"`
	TotalPurchased int       `json:"totalPurchased"`
	LastUpdated    time.Time `json:"lastUpdated"`
}

// TokenTransaction is an immutable audit record. The account balance is the
// running sum of the signed amounts.
type TokenTransaction struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Type        TransactionType `json:"type"`
	Amount      int             `json:"amount"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Referral links a referrer's shareable code to an eventual referee.
// TokensAwarded stays 0 until the one-time reward is granted.
type Referral struct {
	ID            string    `json:"id"`
	ReferrerID    string    `json:"referrerId"`
	Code          string    `json:"code"`
	RefereeEmail  string    `json:"refereeEmail,omitempty"`
	RefereeUserID string    `json:"refereeUserId,omitempty"`
	TokensAwarded int       `json:"tokensAwarded"`
	CreatedAt     time.Time `json:"createdAt"`
}

type Feedback struct {
	ID        string    `json:"id"`
	JobID     string    `json:"jobId"`
	Section   string    `json:"section"`
	Approved  bool      `json:"approved"`
	Comments  string    `json:"comments,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
