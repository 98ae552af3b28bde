package dupdetect

import (
	"time"
)

const (
	// StaleReviewWindow is how long a persisted record stays "recently
	// reviewed" before a non-newer upstream record forces a refresh.
	StaleReviewWindow = 90 * 24 * time.Hour

	// ReasonAPITimestampNewer means the upstream record carries a newer
	// apiUpdatedAt than the persisted one.
	ReasonAPITimestampNewer = "api_timestamp_newer"

	// ReasonAPITimestampNotNewer means both timestamps are present and
	// the upstream one is not newer.
	ReasonAPITimestampNotNewer = "api_timestamp_not_newer"

	// ReasonRecentlyReviewed means the persisted record was written
	// within the stale-review window and the timestamps are inconclusive.
	ReasonRecentlyReviewed = "recently_reviewed"

	// ReasonStaleReview means the persisted record has not been touched
	// in over the stale-review window.
	ReasonStaleReview = "stale_review_90_days"
)

// Freshness decides whether a matched record should be updated or skipped.
// It is a pure function of the two upstream timestamps, the persisted
// updatedAt, and the current time.
//
// Returns update=true with the reason for the update, or update=false with
// the reason for the skip.
func Freshness(apiUpdated, dbAPIUpdated *time.Time, dbUpdatedAt, nowTs time.Time) (bool, string) {
	if apiUpdated != nil && dbAPIUpdated != nil && apiUpdated.After(*dbAPIUpdated) {
		return true, ReasonAPITimestampNewer
	}
	if nowTs.Sub(dbUpdatedAt) <= StaleReviewWindow {
		if apiUpdated != nil && dbAPIUpdated != nil {
			return false, ReasonAPITimestampNotNewer
		}
		return false, ReasonRecentlyReviewed
	}
	return true, ReasonStaleReview
}
