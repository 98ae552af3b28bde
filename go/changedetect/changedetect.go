// Package changedetect decides whether the differences between an incoming
// opportunity record and its persisted counterpart are material.
package changedetect

import (
	"math"
	"strings"
	"time"

	"github.com/grantline/grantline/go/types"
)

const (
	// monetaryThreshold is the relative delta above which a monetary
	// change is material. The boundary itself is not material.
	monetaryThreshold = 0.05

	// descriptionThreshold is the relative length delta above which a
	// description change is material. The boundary itself is not
	// material.
	descriptionThreshold = 0.20
)

// IsMaterial returns true iff any monitored field differs materially
// between the incoming record and the persisted one. Unknown fields are
// ignored.
func IsMaterial(api *types.Opportunity, db *types.PersistedOpportunity) bool {
	if MonetaryChanged(api.MinimumAward, db.MinimumAward) {
		return true
	}
	if MonetaryChanged(api.MaximumAward, db.MaximumAward) {
		return true
	}
	if MonetaryChanged(api.TotalFundingAvailable, db.TotalFundingAvailable) {
		return true
	}
	if DateChanged(api.OpenDate, db.OpenDate) {
		return true
	}
	if DateChanged(api.CloseDate, db.CloseDate) {
		return true
	}
	if StatusChanged(api.Status, db.Status) {
		return true
	}
	if DescriptionChanged(api.Description, db.Description) {
		return true
	}
	return false
}

// MonetaryChanged applies the monetary field policy: both absent is no
// change, one absent is a change, and numeric pairs are compared by
// relative delta with a strict 5% threshold. Non-finite values are always
// material.
func MonetaryChanged(newVal, oldVal *float64) bool {
	if newVal == nil && oldVal == nil {
		return false
	}
	if newVal == nil || oldVal == nil {
		return true
	}
	n, o := *newVal, *oldVal
	if math.IsNaN(n) || math.IsInf(n, 0) || math.IsNaN(o) || math.IsInf(o, 0) {
		return true
	}
	if o == 0 && n == 0 {
		return false
	}
	if o == 0 || n == 0 {
		return true
	}
	return math.Abs(n-o)/math.Abs(o) > monetaryThreshold
}

// DateChanged compares an incoming ISO-8601 date string against a persisted
// date at calendar-day resolution. An unparseable incoming value counts as
// a change.
func DateChanged(newVal string, oldVal *time.Time) bool {
	parsed, err := types.ParseDate(newVal)
	if err != nil {
		return true
	}
	if parsed == nil && oldVal == nil {
		return false
	}
	if parsed == nil || oldVal == nil {
		return true
	}
	return parsed.Format(types.DateFormat) != oldVal.Format(types.DateFormat)
}

// StatusChanged compares status strings case-insensitively after trimming.
func StatusChanged(newVal, oldVal string) bool {
	return !strings.EqualFold(strings.TrimSpace(newVal), strings.TrimSpace(oldVal))
}

// DescriptionChanged is true iff the length delta relative to the old
// length exceeds 20%, strictly.
func DescriptionChanged(newVal, oldVal string) bool {
	denom := len(oldVal)
	if denom < 1 {
		denom = 1
	}
	delta := math.Abs(float64(len(newVal) - len(oldVal)))
	return delta/float64(denom) > descriptionThreshold
}
