package app

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"velvet/pkg/domain"
)

// TokenPackage is a purchasable token bundle. SavingsPercent is the markdown
// versus buying the same tokens at the starter rate.
type TokenPackage struct {
	ID             string `json:"id"`
	Tokens         int    `json:"tokens"`
	PriceCents     int    `json:"priceCents"`
	SavingsPercent int    `json:"savingsPercent"`
}

const (
	// ReferralRewardTokens is credited to the referrer when their referee
	// makes a first purchase.
	ReferralRewardTokens = 25
	// refereeDiscountPercent is taken off a referred user's first purchase.
	refereeDiscountPercent = 15
)

var tokenPackages = []TokenPackage{
	{ID: "starter", Tokens: 150, PriceCents: 13900, SavingsPercent: 7},
	{ID: "professional", Tokens: 500, PriceCents: 44900, SavingsPercent: 10},
	{ID: "enterprise", Tokens: 1000, PriceCents: 84900, SavingsPercent: 15},
}

// projectTokenRequirements maps a project complexity tier to the tokens one
// manuscript generation costs.
var projectTokenRequirements = map[string]int{
	"basic":    100,
	"standard": 200,
	"premium":  300,
	"complex":  500,
}

// recentTransactionLimit bounds the ledger slice returned with the balance.
const recentTransactionLimit = 10

// Balance returns the user's token account.
func (a *App) Balance(user domain.User) (domain.TokenAccount, error) {
	return a.store.GetUserTokens(user.ID)
}

// BalanceSummary pairs the account with its most recent ledger entries,
// newest first.
type BalanceSummary struct {
	Balance            int                       `json:"balance"`
	TotalPurchased     int                       `json:"totalPurchased"`
	RecentTransactions []domain.TokenTransaction `json:"recentTransactions"`
}

// BalanceWithHistory returns the balance together with recent transactions.
func (a *App) BalanceWithHistory(user domain.User) (BalanceSummary, error) {
	account, err := a.store.GetUserTokens(user.ID)
	if err != nil {
		return BalanceSummary{}, err
	}
	recent, err := a.store.ListTokenTransactions(user.ID, recentTransactionLimit)
	if err != nil {
		return BalanceSummary{}, err
	}
	return BalanceSummary{
		Balance:            account.Balance,
		TotalPurchased:     account.TotalPurchased,
		RecentTransactions: recent,
	}, nil
}

// TransactionHistory returns the user's most recent ledger entries, newest
// first.
func (a *App) TransactionHistory(user domain.User) ([]domain.TokenTransaction, error) {
	return a.store.ListTokenTransactions(user.ID, 50)
}

// Packages lists the purchasable token bundles.
func (a *App) Packages() []TokenPackage {
	out := make([]TokenPackage, len(tokenPackages))
	copy(out, tokenPackages)
	return out
}

// ProjectTypes lists the known project tiers in ascending cost order.
func (a *App) ProjectTypes() []string {
	types := make([]string, 0, len(projectTokenRequirements))
	for name := range projectTokenRequirements {
		types = append(types, name)
	}
	sort.Slice(types, func(i, j int) bool {
		return projectTokenRequirements[types[i]] < projectTokenRequirements[types[j]]
	})
	return types
}

// EstimateCost returns the token cost of generating a manuscript for the
// given project tier.
func (a *App) EstimateCost(projectType string) (int, error) {
	cost, ok := projectTokenRequirements[strings.ToLower(strings.TrimSpace(projectType))]
	if !ok {
		return 0, ErrUnknownProjectType
	}
	return cost, nil
}

// ClassifyUpload maps an upload's file mix to a project tier. More files and
// a mix of data plus documents push the tier up.
func (a *App) ClassifyUpload(upload domain.Upload) string {
	var data, docs int
	for _, f := range upload.Files {
		switch strings.ToLower(filepath.Ext(f.Name)) {
		case ".csv", ".xlsx", ".xls":
			data++
		default:
			docs++
		}
	}
	total := data + docs
	switch {
	case total > 10:
		return "complex"
	case data > 0 && docs > 0:
		return "premium"
	case total > 3:
		return "standard"
	default:
		return "basic"
	}
}

// CostEstimate prices a manuscript generation against the user's balance and
// recommends packages that would cover any shortfall.
type CostEstimate struct {
	Complexity  string         `json:"complexity"`
	Tokens      int            `json:"tokens"`
	Balance     int            `json:"balance"`
	Shortfall   int            `json:"shortfall"`
	Recommended []TokenPackage `json:"recommended,omitempty"`
}

// Estimate returns the cost of the given project tier plus package
// recommendations covering whatever the user's balance cannot.
func (a *App) Estimate(user domain.User, projectType string) (CostEstimate, error) {
	cost, err := a.EstimateCost(projectType)
	if err != nil {
		return CostEstimate{}, err
	}
	account, err := a.store.GetUserTokens(user.ID)
	if err != nil {
		return CostEstimate{}, fmt.Errorf("fetch token account: %w", err)
	}
	est := CostEstimate{
		Complexity: strings.ToLower(strings.TrimSpace(projectType)),
		Tokens:     cost,
		Balance:    account.Balance,
	}
	if account.Balance < cost {
		est.Shortfall = cost - account.Balance
		for _, pkg := range tokenPackages {
			if pkg.Tokens >= est.Shortfall {
				est.Recommended = append(est.Recommended, pkg)
			}
		}
	}
	return est, nil
}

// PurchaseResult describes a completed package purchase.
type PurchaseResult struct {
	Package         TokenPackage `json:"package"`
	PaidCents       int          `json:"paidCents"`
	DiscountApplied bool         `json:"discountApplied"`
	Balance         int          `json:"balance"`
}

// Purchase credits a token package to the user. A referred user's first
// purchase is discounted and triggers the referrer's one-time bonus. The
// payment reference, when present, is recorded on the ledger entry.
func (a *App) Purchase(user domain.User, packageID, paymentRef string) (PurchaseResult, error) {
	var pkg TokenPackage
	found := false
	for _, p := range tokenPackages {
		if p.ID == packageID {
			pkg = p
			found = true
			break
		}
	}
	if !found {
		return PurchaseResult{}, ErrUnknownPackage
	}

	paid := pkg.PriceCents
	discounted := false
	if a.refereeFirstPurchase(user) {
		paid = pkg.PriceCents * (100 - refereeDiscountPercent) / 100
		discounted = true
	}

	desc := fmt.Sprintf("Purchased %s package (%d tokens)", pkg.ID, pkg.Tokens)
	if ref := strings.TrimSpace(paymentRef); ref != "" {
		desc += ", payment " + ref
	}
	if err := a.store.AddTokens(user.ID, pkg.Tokens, domain.TxPurchase, desc); err != nil {
		return PurchaseResult{}, fmt.Errorf("credit purchase: %w", err)
	}

	a.awardReferralIfEligible(user)

	account, err := a.store.GetUserTokens(user.ID)
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("fetch token account: %w", err)
	}
	return PurchaseResult{
		Package:         pkg,
		PaidCents:       paid,
		DiscountApplied: discounted,
		Balance:         account.Balance,
	}, nil
}

// Consume debits tokens from the user's balance. The debit is atomic and the
// balance never goes negative.
func (a *App) Consume(user domain.User, amount int, description string) (domain.TokenAccount, error) {
	if amount <= 0 {
		return domain.TokenAccount{}, ErrInvalidAmount
	}
	if description == "" {
		description = "Token consumption"
	}
	ok, err := a.store.ConsumeTokens(user.ID, amount, description)
	if err != nil {
		return domain.TokenAccount{}, fmt.Errorf("consume tokens: %w", err)
	}
	if !ok {
		return domain.TokenAccount{}, ErrInsufficientTokens
	}
	return a.store.GetUserTokens(user.ID)
}

// refereeFirstPurchase reports whether this purchase is the first by a user
// who signed up through a referral code.
func (a *App) refereeFirstPurchase(user domain.User) bool {
	ref, ok, err := a.store.GetReferralByReferee(user.ID)
	if err != nil || !ok || ref.TokensAwarded > 0 {
		return false
	}
	account, err := a.store.GetUserTokens(user.ID)
	if err != nil {
		return false
	}
	return account.TotalPurchased == 0
}

// awardReferralIfEligible pays the referrer's bonus after the referee's first
// purchase. The store-side award is conditional, so concurrent purchases
// cannot double-pay.
func (a *App) awardReferralIfEligible(user domain.User) {
	ref, ok, err := a.store.GetReferralByReferee(user.ID)
	if err != nil {
		slog.Error("look up referral for award", "user_id", user.ID, "err", err)
		return
	}
	if !ok || ref.TokensAwarded > 0 {
		return
	}
	awarded, err := a.store.AwardReferral(ref.Code, ReferralRewardTokens)
	if err != nil {
		slog.Error("award referral bonus", "code", ref.Code, "err", err)
		return
	}
	if awarded {
		slog.Info("referral bonus awarded",
			"code", ref.Code, "referrer_id", ref.ReferrerID, "tokens", ReferralRewardTokens)
	}
}
