package validate

import (
	"sort"

	"github.com/simplesurance/sequentor/internal/githubclt"
)

// LatestReviews reduces a review sequence to the newest relevant review per
// reviewer.
// A later re-review supersedes an earlier one: an approval followed by a
// "changes requested" from the same reviewer revokes the approval, and vice
// versa.
// Dismissed reviews clear the reviewer's earlier verdict and do not appear in
// the result. Comment-only reviews carry no verdict and are ignored.
func LatestReviews(reviews []*githubclt.Review) []*githubclt.Review {
	sorted := make([]*githubclt.Review, len(reviews))
	copy(sorted, reviews)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SubmittedAt.Before(sorted[j].SubmittedAt)
	})

	latest := map[string]*githubclt.Review{}
	var authorOrder []string

	for _, review := range sorted {
		switch review.State {
		case githubclt.ReviewStateApproved,
			githubclt.ReviewStateChangesRequested,
			githubclt.ReviewStateDismissed:
		default:
			continue
		}

		if _, seen := latest[review.Author]; !seen {
			authorOrder = append(authorOrder, review.Author)
		}

		latest[review.Author] = review
	}

	result := make([]*githubclt.Review, 0, len(latest))
	for _, author := range authorOrder {
		if latest[author].State == githubclt.ReviewStateDismissed {
			continue
		}

		result = append(result, latest[author])
	}

	return result
}

// EvalReviews returns the number of standing approvals and the reviewers with
// a standing "changes requested" verdict, counting only the latest review per
// reviewer.
func EvalReviews(reviews []*githubclt.Review) (approvals int, changesRequestedBy []string) {
	for _, review := range LatestReviews(reviews) {
		switch review.State {
		case githubclt.ReviewStateApproved:
			approvals++
		case githubclt.ReviewStateChangesRequested:
			changesRequestedBy = append(changesRequestedBy, review.Author)
		}
	}

	return approvals, changesRequestedBy
}
