package changedetect

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/grantline/grantline/go/types"
)

func f(v float64) *float64 {
	return &v
}

func d(s string) *time.Time {
	t, err := time.Parse(types.DateFormat, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestMonetaryChanged_NullHandling(t *testing.T) {
	assert.False(t, MonetaryChanged(nil, nil))
	assert.True(t, MonetaryChanged(f(100), nil))
	assert.True(t, MonetaryChanged(nil, f(100)))
}

func TestMonetaryChanged_ZeroHandling(t *testing.T) {
	assert.False(t, MonetaryChanged(f(0), f(0)))
	assert.True(t, MonetaryChanged(f(0), f(100)))
	assert.True(t, MonetaryChanged(f(100), f(0)))
}

func TestMonetaryChanged_FivePercentBoundaryIsStrict(t *testing.T) {
	// Exactly 5.0% is not material.
	assert.False(t, MonetaryChanged(f(105000), f(100000)))
	// 4.9% is not material.
	assert.False(t, MonetaryChanged(f(104900), f(100000)))
	// 5.1% is material.
	assert.True(t, MonetaryChanged(f(105100), f(100000)))
}

func TestMonetaryChanged_NonFiniteIsMaterial(t *testing.T) {
	assert.True(t, MonetaryChanged(f(math.NaN()), f(100)))
	assert.True(t, MonetaryChanged(f(100), f(math.Inf(1))))
}

func TestDateChanged(t *testing.T) {
	assert.False(t, DateChanged("", nil))
	assert.True(t, DateChanged("2024-12-31", nil))
	assert.True(t, DateChanged("", d("2024-12-31")))
	assert.False(t, DateChanged("2024-12-31", d("2024-12-31")))
	// Time-of-day is discarded.
	assert.False(t, DateChanged("2024-12-31T23:59:59Z", d("2024-12-31")))
	assert.True(t, DateChanged("2025-01-01", d("2024-12-31")))
	// Garbage counts as a change.
	assert.True(t, DateChanged("not-a-date", d("2024-12-31")))
}

func TestStatusChanged(t *testing.T) {
	assert.False(t, StatusChanged("Open", "open"))
	assert.False(t, StatusChanged("  open ", "open"))
	assert.True(t, StatusChanged("open", "closed"))
}

func TestDescriptionChanged_TwentyPercentBoundaryIsStrict(t *testing.T) {
	oldDesc := strings.Repeat("a", 100)
	// Exactly 20% longer is not material.
	assert.False(t, DescriptionChanged(strings.Repeat("a", 120), oldDesc))
	assert.True(t, DescriptionChanged(strings.Repeat("a", 121), oldDesc))
	assert.False(t, DescriptionChanged(strings.Repeat("a", 81), oldDesc))
	assert.True(t, DescriptionChanged(strings.Repeat("a", 79), oldDesc))
	// Empty old description uses a denominator of one.
	assert.True(t, DescriptionChanged("x", ""))
	assert.False(t, DescriptionChanged("", ""))
}

func TestIsMaterial_AnyFieldTriggers(t *testing.T) {
	db := &types.PersistedOpportunity{
		Title:        "Federal Research Grant",
		Status:       "open",
		MaximumAward: f(500000),
		CloseDate:    d("2024-12-31"),
		Description:  strings.Repeat("d", 100),
	}
	base := types.Opportunity{
		Title:        "Federal Research Grant",
		Status:       "open",
		MaximumAward: f(500000),
		CloseDate:    "2024-12-31",
		Description:  strings.Repeat("d", 100),
	}

	assert.False(t, IsMaterial(&base, db))

	changed := base
	changed.MaximumAward = f(750000)
	assert.True(t, IsMaterial(&changed, db))

	changed = base
	changed.Status = "closed"
	assert.True(t, IsMaterial(&changed, db))

	changed = base
	changed.CloseDate = "2025-06-30"
	assert.True(t, IsMaterial(&changed, db))
}
