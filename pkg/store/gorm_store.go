package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"velvet/pkg/domain"
)

// GormStore implements Store using GORM over Postgres or SQLite.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations. Postgres DSNs
// ("postgres://..." or key=value form) select the postgres driver; anything
// else is treated as a sqlite path, which is what dev and tests use.
func NewGormStore(dsn string) (*GormStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn required")
	}
	var dia gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		dia = postgres.Open(dsn)
	} else {
		dia = sqlite.Open(dsn)
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dia, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(
		&UserModel{},
		&UploadModel{},
		&JobModel{},
		&TokenAccountModel{},
		&TokenTransactionModel{},
		&ReferralModel{},
		&FeedbackModel{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// SaveUser inserts a new user row.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Create(&model).Error
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// SaveUpload stores an immutable upload record.
func (s *GormStore) SaveUpload(u domain.Upload) error {
	model, err := uploadToModel(u)
	if err != nil {
		return err
	}
	return s.db.Create(&model).Error
}

// GetUpload retrieves an upload.
func (s *GormStore) GetUpload(id string) (domain.Upload, bool, error) {
	var model UploadModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Upload{}, false, nil
		}
		return domain.Upload{}, false, err
	}
	upload, err := uploadFromModel(model)
	if err != nil {
		return domain.Upload{}, false, err
	}
	return upload, true, nil
}

// ListUploadsByUser returns a user's uploads, newest first.
func (s *GormStore) ListUploadsByUser(userID string) ([]domain.Upload, error) {
	var models []UploadModel
	if err := s.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Upload, 0, len(models))
	for _, m := range models {
		upload, err := uploadFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, upload)
	}
	return res, nil
}

// CreateJob inserts the pending job row.
func (s *GormStore) CreateJob(j domain.Job) error {
	model := jobToModel(j)
	return s.db.Create(&model).Error
}

// GetJob retrieves a job.
func (s *GormStore) GetJob(id string) (domain.Job, bool, error) {
	var model JobModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, err
	}
	return jobFromModel(model), true, nil
}

// ListJobsByUser returns a user's jobs, newest first.
func (s *GormStore) ListJobsByUser(userID string) ([]domain.Job, error) {
	var models []JobModel
	if err := s.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Job, 0, len(models))
	for _, m := range models {
		res = append(res, jobFromModel(m))
	}
	return res, nil
}

// UpdateJobStatus applies a partial job update as one statement. When the new
// status is terminal, completed_at is written in the same statement.
func (s *GormStore) UpdateJobStatus(id string, update JobUpdate) error {
	updates := map[string]any{
		"status": string(update.Status),
	}
	if update.Progress != nil {
		updates["progress"] = *update.Progress
	}
	if update.Error != nil {
		updates["error"] = *update.Error
	}
	if update.ReportPath != nil {
		updates["report_path"] = *update.ReportPath
	}
	if update.Status.Terminal() {
		updates["completed_at"] = time.Now().UTC()
	}
	return s.db.Model(&JobModel{}).Where("id = ?", id).Updates(updates).Error
}

// GetUserTokens returns the user's account, creating a zero-balance row on
// first access.
func (s *GormStore) GetUserTokens(userID string) (domain.TokenAccount, error) {
	var model TokenAccountModel
	err := s.db.Transaction(func(tx *gorm.DB) error {
		return ensureAccount(tx, userID, &model)
	})
	if err != nil {
		return domain.TokenAccount{}, err
	}
	return accountFromModel(model), nil
}

// AddTokens appends a transaction record and adjusts the balance atomically.
// Purchases also bump the cumulative total_purchased counter.
func (s *GormStore) AddTokens(userID string, amount int, txType domain.TransactionType, description string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return addTokensTx(tx, userID, amount, txType, description)
	})
}

func addTokensTx(tx *gorm.DB, userID string, amount int, txType domain.TransactionType, description string) error {
	var account TokenAccountModel
	if err := ensureAccount(tx, userID, &account); err != nil {
		return err
	}
	record := TokenTransactionModel{
		ID:          uuid.NewString(),
		UserID:      userID,
		Type:        string(txType),
		Amount:      amount,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := tx.Create(&record).Error; err != nil {
		return err
	}
	updates := map[string]any{
		"balance":      gorm.Expr("balance + ?", amount),
		"last_updated": time.Now().UTC(),
	}
	if txType == domain.TxPurchase {
		updates["total_purchased"] = gorm.Expr("total_purchased + ?", amount)
	}
	return tx.Model(&TokenAccountModel{}).Where("user_id = ?", userID).Updates(updates).Error
}

// ConsumeTokens deducts amount only when the balance covers it. The check and
// the deduction are one conditional UPDATE, so two concurrent consumers
// racing over a balance that covers one of them cannot both succeed.
func (s *GormStore) ConsumeTokens(userID string, amount int, description string) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("consume amount must be positive, got %d", amount)
	}
	consumed := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var account TokenAccountModel
		if err := ensureAccount(tx, userID, &account); err != nil {
			return err
		}
		res := tx.Model(&TokenAccountModel{}).
			Where("user_id = ? AND balance >= ?", userID, amount).
			Updates(map[string]any{
				"balance":      gorm.Expr("balance - ?", amount),
				"last_updated": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		record := TokenTransactionModel{
			ID:          uuid.NewString(),
			UserID:      userID,
			Type:        string(domain.TxConsumption),
			Amount:      -amount,
			Description: description,
			CreatedAt:   time.Now().UTC(),
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		consumed = true
		return nil
	})
	return consumed, err
}

// ListTokenTransactions returns recent ledger entries, newest first.
func (s *GormStore) ListTokenTransactions(userID string, limit int) ([]domain.TokenTransaction, error) {
	if limit <= 0 {
		limit = 20
	}
	var models []TokenTransactionModel
	if err := s.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.TokenTransaction, 0, len(models))
	for _, m := range models {
		res = append(res, transactionFromModel(m))
	}
	return res, nil
}

func ensureAccount(tx *gorm.DB, userID string, out *TokenAccountModel) error {
	if err := tx.First(out, "user_id = ?", userID).Error; err == nil {
		return nil
	} else if err != gorm.ErrRecordNotFound {
		return err
	}
	*out = TokenAccountModel{
		UserID:      userID,
		LastUpdated: time.Now().UTC(),
	}
	// FirstOrCreate tolerates a concurrent creator winning the race.
	return tx.Where("user_id = ?", userID).FirstOrCreate(out).Error
}

// CreateReferral inserts a referral row. The unique index on code surfaces
// collisions as an error instead of letting two users share a code.
func (s *GormStore) CreateReferral(r domain.Referral) error {
	model := referralToModel(r)
	return s.db.Create(&model).Error
}

// GetReferralByCode returns the referral owning a code.
func (s *GormStore) GetReferralByCode(code string) (domain.Referral, bool, error) {
	var model ReferralModel
	if err := s.db.Where("code = ?", code).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Referral{}, false, nil
		}
		return domain.Referral{}, false, err
	}
	return referralFromModel(model), true, nil
}

// GetReferralByReferrer returns the referrer's referral record, if any.
func (s *GormStore) GetReferralByReferrer(referrerID string) (domain.Referral, bool, error) {
	var model ReferralModel
	if err := s.db.Where("referrer_id = ?", referrerID).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Referral{}, false, nil
		}
		return domain.Referral{}, false, err
	}
	return referralFromModel(model), true, nil
}

// GetReferralByReferee returns the referral a user signed up through, if any.
func (s *GormStore) GetReferralByReferee(refereeUserID string) (domain.Referral, bool, error) {
	var model ReferralModel
	if err := s.db.Where("referee_user_id = ?", refereeUserID).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Referral{}, false, nil
		}
		return domain.Referral{}, false, err
	}
	return referralFromModel(model), true, nil
}

// SetReferralEmail records the invited address against the code.
func (s *GormStore) SetReferralEmail(code, refereeEmail string) error {
	return s.db.Model(&ReferralModel{}).Where("code = ?", code).
		Update("referee_email", refereeEmail).Error
}

// SetReferralSignup links the new account to the referral.
func (s *GormStore) SetReferralSignup(code, refereeUserID string) error {
	return s.db.Model(&ReferralModel{}).Where("code = ?", code).
		Update("referee_user_id", refereeUserID).Error
}

// AwardReferral grants the reward exactly once per referral. The eligibility
// gate and the award are one conditional UPDATE; the bonus credit joins the
// same transaction, so a double award cannot be observed at any point.
func (s *GormStore) AwardReferral(code string, tokens int) (bool, error) {
	awarded := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ReferralModel{}).
			Where("code = ? AND referee_user_id IS NOT NULL AND tokens_awarded = 0", code).
			Update("tokens_awarded", tokens)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		var model ReferralModel
		if err := tx.Where("code = ?", code).First(&model).Error; err != nil {
			return err
		}
		referee := ""
		if model.RefereeUserID != nil {
			referee = *model.RefereeUserID
		}
		if err := addTokensTx(tx, model.ReferrerID, tokens, domain.TxReferralBonus,
			fmt.Sprintf("Referral bonus for %s", referee)); err != nil {
			return err
		}
		awarded = true
		return nil
	})
	return awarded, err
}

// SaveFeedback appends a feedback record.
func (s *GormStore) SaveFeedback(f domain.Feedback) error {
	model := feedbackToModel(f)
	return s.db.Create(&model).Error
}

// ListFeedbackByJob returns feedback for a job in submission order.
func (s *GormStore) ListFeedbackByJob(jobID string) ([]domain.Feedback, error) {
	var models []FeedbackModel
	if err := s.db.Where("job_id = ?", jobID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Feedback, 0, len(models))
	for _, m := range models {
		res = append(res, feedbackFromModel(m))
	}
	return res, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		IsActive:     u.IsActive,
		CreatedAt:    u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		IsActive:     m.IsActive,
		CreatedAt:    m.CreatedAt,
	}
}

func uploadToModel(u domain.Upload) (UploadModel, error) {
	files, err := json.Marshal(u.Files)
	if err != nil {
		return UploadModel{}, fmt.Errorf("marshal upload files: %w", err)
	}
	return UploadModel{
		ID:        u.ID,
		UserID:    u.UserID,
		Files:     files,
		Path:      u.Path,
		CreatedAt: u.CreatedAt,
	}, nil
}

func uploadFromModel(m UploadModel) (domain.Upload, error) {
	var files []domain.FileInfo
	if len(m.Files) > 0 {
		if err := json.Unmarshal(m.Files, &files); err != nil {
			return domain.Upload{}, fmt.Errorf("unmarshal upload files: %w", err)
		}
	}
	return domain.Upload{
		ID:        m.ID,
		UserID:    m.UserID,
		Files:     files,
		Path:      m.Path,
		CreatedAt: m.CreatedAt,
	}, nil
}

func jobToModel(j domain.Job) JobModel {
	return JobModel{
		ID:          j.ID,
		UserID:      j.UserID,
		UploadID:    j.UploadID,
		Status:      string(j.Status),
		Progress:    j.Progress,
		Error:       j.Error,
		ReportPath:  j.ReportPath,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
	}
}

func jobFromModel(m JobModel) domain.Job {
	return domain.Job{
		ID:          m.ID,
		UserID:      m.UserID,
		UploadID:    m.UploadID,
		Status:      domain.JobStatus(m.Status),
		Progress:    m.Progress,
		Error:       m.Error,
		ReportPath:  m.ReportPath,
		CreatedAt:   m.CreatedAt,
		CompletedAt: m.CompletedAt,
	}
}

func accountFromModel(m TokenAccountModel) domain.TokenAccount {
	return domain.TokenAccount{
		UserID:         m.UserID,
		Balance:        m.Balance,
		TotalPurchased: m.TotalPurchased,
		LastUpdated:    m.LastUpdated,
	}
}

func transactionFromModel(m TokenTransactionModel) domain.TokenTransaction {
	return domain.TokenTransaction{
		ID:          m.ID,
		UserID:      m.UserID,
		Type:        domain.TransactionType(m.Type),
		Amount:      m.Amount,
		Description: m.Description,
		CreatedAt:   m.CreatedAt,
	}
}

func referralToModel(r domain.Referral) ReferralModel {
	model := ReferralModel{
		ID:            r.ID,
		ReferrerID:    r.ReferrerID,
		Code:          r.Code,
		TokensAwarded: r.TokensAwarded,
		CreatedAt:     r.CreatedAt,
	}
	if r.RefereeEmail != "" {
		email := r.RefereeEmail
		model.RefereeEmail = &email
	}
	if r.RefereeUserID != "" {
		id := r.RefereeUserID
		model.RefereeUserID = &id
	}
	return model
}

func referralFromModel(m ReferralModel) domain.Referral {
	r := domain.Referral{
		ID:            m.ID,
		ReferrerID:    m.ReferrerID,
		Code:          m.Code,
		TokensAwarded: m.TokensAwarded,
		CreatedAt:     m.CreatedAt,
	}
	if m.RefereeEmail != nil {
		r.RefereeEmail = *m.RefereeEmail
	}
	if m.RefereeUserID != nil {
		r.RefereeUserID = *m.RefereeUserID
	}
	return r
}

func feedbackToModel(f domain.Feedback) FeedbackModel {
	return FeedbackModel{
		ID:        f.ID,
		JobID:     f.JobID,
		Section:   f.Section,
		Approved:  f.Approved,
		Comments:  f.Comments,
		CreatedAt: f.CreatedAt,
	}
}

func feedbackFromModel(m FeedbackModel) domain.Feedback {
	return domain.Feedback{
		ID:        m.ID,
		JobID:     m.JobID,
		Section:   m.Section,
		Approved:  m.Approved,
		Comments:  m.Comments,
		CreatedAt: m.CreatedAt,
	}
}
