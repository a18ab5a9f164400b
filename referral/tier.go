package referral

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/philtech/credit-engine/credit"
)

// ErrUnknownPackage is returned for a package name outside the tier table.
var ErrUnknownPackage = errors.New("unknown package")

// packageTiers is the exhaustive package table. Matching is exact.
var packageTiers = map[string]credit.Tier{
	"Basic":     credit.TierBasic,
	"Premium":   credit.TierPremium,
	"Elite":     credit.TierElite,
	"ElitePlus": credit.TierElitePlus,

	"Basic_Merchant_Package":     credit.TierBasic,
	"Premium_Merchant_Package":   credit.TierPremium,
	"Elite_Merchant_Package":     credit.TierElite,
	"ElitePlus_Merchant_Package": credit.TierElitePlus,

	"Basic_Distributor_Package":     credit.TierBasic,
	"Premium_Distributor_Package":   credit.TierPremium,
	"Elite_Distributor_Package":     credit.TierElite,
	"ElitePlus_Distributor_Package": credit.TierElitePlus,
}

// UnknownPackageError matches both credit.ErrValidation and ErrUnknownPackage.
type UnknownPackageError struct {
	Package string
}

func (e *UnknownPackageError) Error() string {
	return fmt.Sprintf("package: unknown package %q", e.Package)
}

func (e *UnknownPackageError) Unwrap() []error {
	return []error{credit.ErrValidation, ErrUnknownPackage}
}

// TierOf maps a package name to its tier.
func TierOf(pkg string) (credit.Tier, bool) {
	t, ok := packageTiers[pkg]
	return t, ok
}

// ParseTier accepts a tier key, case-insensitively.
func ParseTier(s string) (credit.Tier, error) {
	for _, t := range credit.Tiers {
		if strings.EqualFold(string(t), strings.TrimSpace(s)) {
			return t, nil
		}
	}
	return "", &credit.ValidationError{Field: "tier", Message: fmt.Sprintf("unknown tier %q", s)}
}

// ValidatePackage rejects names outside the table.
func ValidatePackage(pkg string) error {
	if _, ok := packageTiers[pkg]; !ok {
		return &UnknownPackageError{Package: pkg}
	}
	return nil
}

// Packages lists every known package name, sorted.
func Packages() []string {
	out := make([]string, 0, len(packageTiers))
	for p := range packageTiers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
