package app

import (
	"math"

	"bongard-study-service/internal/domain"
)

// Reconcile returns the position of the first identifier in assignment at or
// after from that is not in answered, or len(assignment) when none remain.
func Reconcile(assignment []string, answered map[string]struct{}, from int) int {
	if from < 0 {
		from = 0
	}
	for i := from; i < len(assignment); i++ {
		if _, ok := answered[assignment[i]]; !ok {
			return i
		}
	}
	return len(assignment)
}

// Advance computes the next position after an answer has been stored while
// the session sat at current. Scanning resumes at current+1, except that an
// unanswered current question is never skipped.
func Advance(assignment []string, answered map[string]struct{}, current int) int {
	if current >= 0 && current < len(assignment) {
		if _, ok := answered[assignment[current]]; !ok {
			return current
		}
	}
	return Reconcile(assignment, answered, current+1)
}

// AnsweredSet collects the question identifiers of responses.
func AnsweredSet(responses []domain.Response) map[string]struct{} {
	set := make(map[string]struct{}, len(responses))
	for _, r := range responses {
		set[r.QuestionID] = struct{}{}
	}
	return set
}

// Progress is round(100 * next / total); an empty assignment counts as done.
func Progress(next, total int) int {
	if total <= 0 {
		return 100
	}
	return int(math.Round(100 * float64(next) / float64(total)))
}
