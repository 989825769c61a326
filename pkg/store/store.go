package store

import (
	"velvet/pkg/domain"
)

// JobUpdate is a typed partial update applied to a job row in one statement.
// Nil fields are left untouched. The store sets completed_at exactly when the
// new status is terminal, so a partially applied terminal write cannot exist.
type JobUpdate struct {
	Status     domain.JobStatus
	Progress   *float64
	Error      *string
	ReportPath *string
}

// Store defines persistence operations for users, uploads, jobs, the token
// ledger, referrals, and feedback. Get-style lookups report absence with the
// bool return and reserve the error for store failures.
type Store interface {
	// users
	SaveUser(domain.User) error
	HasUserEmail(email string) (bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)

	// uploads
	SaveUpload(domain.Upload) error
	GetUpload(id string) (domain.Upload, bool, error)
	ListUploadsByUser(userID string) ([]domain.Upload, error)

	// jobs
	CreateJob(domain.Job) error
	GetJob(id string) (domain.Job, bool, error)
	ListJobsByUser(userID string) ([]domain.Job, error)
	UpdateJobStatus(id string, update JobUpdate) error

	// token ledger
	GetUserTokens(userID string) (domain.TokenAccount, error)
	AddTokens(userID string, amount int, txType domain.TransactionType, description string) error
	ConsumeTokens(userID string, amount int, description string) (bool, error)
	ListTokenTransactions(userID string, limit int) ([]domain.TokenTransaction, error)

	// referrals
	CreateReferral(domain.Referral) error
	GetReferralByCode(code string) (domain.Referral, bool, error)
	GetReferralByReferrer(referrerID string) (domain.Referral, bool, error)
	GetReferralByReferee(refereeUserID string) (domain.Referral, bool, error)
	SetReferralEmail(code, refereeEmail string) error
	SetReferralSignup(code, refereeUserID string) error
	AwardReferral(code string, tokens int) (bool, error)

	// feedback
	SaveFeedback(domain.Feedback) error
	ListFeedbackByJob(jobID string) ([]domain.Feedback, error)
}
