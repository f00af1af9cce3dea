package app

import (
	"testing"

	"bongard-study-service/internal/domain"
)

func set(ids ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func TestReconcile(t *testing.T) {
	assignment := []string{"a", "b", "c", "d"}
	cases := []struct {
		name     string
		answered map[string]struct{}
		from     int
		want     int
	}{
		{"nothing answered", set(), 0, 0},
		{"prefix answered", set("a", "b"), 0, 2},
		{"out of order", set("b", "a", "d"), 0, 2},
		{"gap stays put", set("a", "c"), 0, 1},
		{"all answered", set("a", "b", "c", "d"), 0, 4},
		{"scan from later index", set("c"), 2, 3},
		{"negative start", set("a"), -3, 1},
		{"past the end", set(), 9, 4},
		{"unknown ids ignored", set("x", "y"), 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Reconcile(assignment, tc.answered, tc.from); got != tc.want {
				t.Fatalf("Reconcile = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestReconcileEmptyAssignment(t *testing.T) {
	if got := Reconcile(nil, set("a"), 0); got != 0 {
		t.Fatalf("expected 0 for an empty assignment, got %d", got)
	}
}

func TestAdvance(t *testing.T) {
	assignment := []string{"a", "b", "c", "d"}
	cases := []struct {
		name     string
		answered map[string]struct{}
		current  int
		want     int
	}{
		{"answered current moves on", set("a"), 0, 1},
		{"skips already answered", set("a", "b", "c"), 0, 3},
		{"duplicate submit of earlier question", set("a", "b"), 2, 2},
		{"last answer completes", set("a", "b", "c", "d"), 3, 4},
		{"stale index still skips answered", set("a", "b", "c"), 1, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Advance(assignment, tc.answered, tc.current); got != tc.want {
				t.Fatalf("Advance = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestProgress(t *testing.T) {
	cases := []struct{ next, total, want int }{
		{0, 4, 0},
		{1, 3, 33},
		{2, 3, 67},
		{3, 3, 100},
		{1, 8, 13},
		{0, 0, 100},
	}
	for _, tc := range cases {
		if got := Progress(tc.next, tc.total); got != tc.want {
			t.Fatalf("Progress(%d, %d) = %d, want %d", tc.next, tc.total, got, tc.want)
		}
	}
}

func TestAnsweredSet(t *testing.T) {
	got := AnsweredSet([]domain.Response{{QuestionID: "a"}, {QuestionID: "b"}, {QuestionID: "a"}})
	if len(got) != 2 {
		t.Fatalf("expected 2 distinct ids, got %d", len(got))
	}
	if _, ok := got["b"]; !ok {
		t.Fatalf("expected b in answered set")
	}
}
