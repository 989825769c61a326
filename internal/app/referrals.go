package app

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"velvet/pkg/domain"
)

const referralCodeAttempts = 5

// ReferralCode returns the user's referral code, allocating one on first use.
// Codes are unique store-wide; allocation retries on collision and fails once
// the attempts are exhausted rather than looping forever.
func (a *App) ReferralCode(user domain.User) (domain.Referral, error) {
	ref, ok, err := a.store.GetReferralByReferrer(user.ID)
	if err != nil {
		return domain.Referral{}, fmt.Errorf("fetch referral: %w", err)
	}
	if ok {
		return ref, nil
	}

	for attempt := 0; attempt < referralCodeAttempts; attempt++ {
		code, err := newReferralCode(user.Email)
		if err != nil {
			return domain.Referral{}, fmt.Errorf("generate referral code: %w", err)
		}
		if _, taken, err := a.store.GetReferralByCode(code); err != nil {
			return domain.Referral{}, fmt.Errorf("check referral code: %w", err)
		} else if taken {
			continue
		}
		ref = domain.Referral{
			ID:         uuid.NewString(),
			ReferrerID: user.ID,
			Code:       code,
			CreatedAt:  time.Now().UTC(),
		}
		// The unique index on code is the real arbiter; a concurrent
		// allocation of the same code fails here and we try again.
		if err := a.store.CreateReferral(ref); err != nil {
			continue
		}
		return ref, nil
	}
	return domain.Referral{}, ErrReferralCodesExhausted
}

// welcomeDiscountCode is quoted in invitations; the discount itself is tied
// to the referral code at purchase time.
const welcomeDiscountCode = "WELCOME15"

// Invitation is what the referrer shares with the invited address.
type Invitation struct {
	Code         string `json:"code"`
	Email        string `json:"email"`
	SignupLink   string `json:"signupLink"`
	DiscountCode string `json:"discountCode"`
}

// SendInvitation records the invited address against the user's referral
// code. Re-inviting overwrites the previous address; the code itself stays
// the same.
func (a *App) SendInvitation(user domain.User, email string) (Invitation, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return Invitation{}, ErrEmailRequired
	}
	if strings.IndexByte(email, '@') <= 0 {
		return Invitation{}, ErrInvalidEmail
	}
	if email == user.Email {
		return Invitation{}, ErrSelfReferral
	}
	ref, err := a.ReferralCode(user)
	if err != nil {
		return Invitation{}, err
	}
	if ref.RefereeEmail != email {
		if err := a.store.SetReferralEmail(ref.Code, email); err != nil {
			return Invitation{}, fmt.Errorf("record invitation: %w", err)
		}
	}
	return Invitation{
		Code:         ref.Code,
		Email:        email,
		SignupLink:   "/register?ref=" + ref.Code,
		DiscountCode: welcomeDiscountCode,
	}, nil
}

// CodeValidation is the public view of a referral code check. Emails are
// redacted so validation cannot leak full addresses.
type CodeValidation struct {
	Valid           bool   `json:"valid"`
	Code            string `json:"code,omitempty"`
	ReferrerEmail   string `json:"referrerEmail,omitempty"`
	InvitedEmail    string `json:"invitedEmail,omitempty"`
	DiscountPercent int    `json:"discountPercent,omitempty"`
	RewardTokens    int    `json:"rewardTokens,omitempty"`
}

// ValidateReferralCode reports whether a code exists, who it belongs to, and
// what the referee gets for using it.
func (a *App) ValidateReferralCode(code string) (CodeValidation, error) {
	code = strings.TrimSpace(strings.ToUpper(code))
	ref, ok, err := a.store.GetReferralByCode(code)
	if err != nil {
		return CodeValidation{}, fmt.Errorf("fetch referral: %w", err)
	}
	if !ok {
		return CodeValidation{Valid: false}, nil
	}
	referrer, ok, err := a.store.GetUserByID(ref.ReferrerID)
	if err != nil {
		return CodeValidation{}, fmt.Errorf("fetch referrer: %w", err)
	}
	if !ok {
		return CodeValidation{Valid: false}, nil
	}
	return CodeValidation{
		Valid:           true,
		Code:            ref.Code,
		ReferrerEmail:   redactEmail(referrer.Email),
		InvitedEmail:    redactEmail(ref.RefereeEmail),
		DiscountPercent: refereeDiscountPercent,
		RewardTokens:    ReferralRewardTokens,
	}, nil
}

// ReferralEligibility reports whether the user has unlocked referral rights,
// gated on their own first purchase.
func (a *App) ReferralEligibility(user domain.User) (bool, error) {
	account, err := a.store.GetUserTokens(user.ID)
	if err != nil {
		return false, fmt.Errorf("fetch token account: %w", err)
	}
	return account.TotalPurchased > 0, nil
}

// ReferralStats summarizes the state of the user's referral.
type ReferralStats struct {
	Code          string `json:"code"`
	Invited       bool   `json:"invited"`
	SignedUp      bool   `json:"signedUp"`
	TokensAwarded int    `json:"tokensAwarded"`
	RewardTokens  int    `json:"rewardTokens"`
}

// Stats returns the user's referral funnel state, allocating a code on first
// use.
func (a *App) Stats(user domain.User) (ReferralStats, error) {
	ref, err := a.ReferralCode(user)
	if err != nil {
		return ReferralStats{}, err
	}
	return ReferralStats{
		Code:          ref.Code,
		Invited:       ref.RefereeEmail != "",
		SignedUp:      ref.RefereeUserID != "",
		TokensAwarded: ref.TokensAwarded,
		RewardTokens:  ReferralRewardTokens,
	}, nil
}

// newReferralCode builds VR-XXXNNN from the first letters of the email local
// part and three random digits.
func newReferralCode(email string) (string, error) {
	local := email
	if i := strings.IndexByte(email, '@'); i > 0 {
		local = email[:i]
	}
	var prefix strings.Builder
	for _, r := range strings.ToUpper(local) {
		if r >= 'A' && r <= 'Z' {
			prefix.WriteRune(r)
			if prefix.Len() == 3 {
				break
			}
		}
	}
	for prefix.Len() < 3 {
		prefix.WriteByte('X')
	}
	n, err := rand.Int(rand.Reader, big.NewInt(1000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("VR-%s%03d", prefix.String(), n.Int64()), nil
}

func redactEmail(email string) string {
	if email == "" {
		return ""
	}
	at := strings.IndexByte(email, '@')
	if at < 0 {
		return "***"
	}
	if at <= 1 {
		return "***" + email[at:]
	}
	return email[:1] + "***" + email[at:]
}
