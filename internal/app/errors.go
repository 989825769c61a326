package app

import "errors"

var (
	// ErrInvalidCredentials is returned when the supplied credentials do not match.
	// This message is intended to be shown to end users and should not enable account enumeration.
	ErrInvalidCredentials = errors.New("Incorrect email address or password")

	ErrEmailAndPasswordRequired = errors.New("email and password required")
	ErrEmailRequired            = errors.New("email required")
	ErrInvalidEmail             = errors.New("invalid email address")
	ErrEmailAlreadyExists       = errors.New("email already exists")

	ErrNotFound = errors.New("not found")

	ErrNoFiles            = errors.New("no files in upload")
	ErrFileTypeNotAllowed = errors.New("file type not allowed")
	ErrFileTooLarge       = errors.New("file exceeds the per-file size limit")
	ErrUploadTooLarge     = errors.New("upload exceeds the total size limit")

	ErrInsufficientTokens = errors.New("insufficient token balance")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrUnknownPackage     = errors.New("unknown token package")
	ErrUnknownProjectType = errors.New("unknown project type")

	ErrReportNotReady          = errors.New("report is not ready")
	ErrFeedbackSectionRequired = errors.New("feedback section is required")

	ErrSelfReferral           = errors.New("cannot use your own referral code")
	ErrReferralCodesExhausted = errors.New("could not allocate a unique referral code")
)
