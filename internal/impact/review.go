package impact

// InitialReviewStatus is the status an item starts in: anything moderate or
// worse needs a reviewer.
func InitialReviewStatus(score float64) ReviewStatus {
	if score >= ModerateThreshold {
		return ReviewRequired
	}
	return ReviewPending
}

// CanTransition reports whether an item may move between review statuses.
//
//	pending         -> review_required | reviewed | ignored
//	review_required -> reviewed | ignored
//	reviewed        -> review_required (re-open)
//	ignored         -> review_required (re-open)
//
// Every call is a human action, so pending may be marked reviewed directly;
// nothing in the engine moves an item to reviewed on its own.
// Staying in the same status is always allowed and is a no-op.
func CanTransition(from ReviewStatus, to ReviewStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case ReviewPending:
		return to == ReviewRequired || to == ReviewReviewed || to == ReviewIgnored
	case ReviewRequired:
		return to == ReviewReviewed || to == ReviewIgnored
	case ReviewReviewed, ReviewIgnored:
		return to == ReviewRequired
	default:
		return false
	}
}
