package app_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bongard-study-service/internal/app"
	"bongard-study-service/internal/assignment"
	"bongard-study-service/internal/config"
	"bongard-study-service/internal/domain"
	"bongard-study-service/internal/infra/memory"
)

func testStudy() config.Study {
	return config.Study{
		NPerCategory:    2,
		MetadataFiles:   map[string]string{"ff": "ff.json", "bd": "bd.json"},
		CategoryOrder:   []string{"ff", "bd"},
		SupportedGroups: []int{1, 2},
		ImageBasePath:   "/images",
		ConceptGroups:   []int{1},
	}
}

func testPools() map[string][]domain.RawItem {
	pools := make(map[string][]domain.RawItem)
	for _, cat := range []string{"ff", "bd"} {
		for i := 0; i < 5; i++ {
			id := fmt.Sprintf("%s_c%d_%04d", cat, i, i)
			if i%2 == 0 {
				id += "_neg"
			}
			pools[cat] = append(pools[cat], domain.RawItem{
				TestID:  id,
				Concept: "concept " + id,
				Images: domain.RawImages{
					Pos: []string{fmt.Sprintf("%s/images/%s/1/0.png", cat, id)},
					Neg: []string{fmt.Sprintf("%s/images/%s/0/0.png", cat, id)},
				},
			})
		}
	}
	return pools
}

func newTestService(store app.Store, opts ...app.ServiceOption) *app.StudyService {
	builder := assignment.NewBuilder(testStudy(), memory.NewStaticPoolLoader(testPools()))
	opts = append([]app.ServiceOption{app.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return app.NewStudyService(store, builder, opts...)
}

func intPtr(v int) *int { return &v }

func startFromAssignment(t *testing.T, service *app.StudyService, pid string) (app.AssignmentView, domain.Session) {
	t.Helper()
	ctx := context.Background()
	view, err := service.BuildAssignment(ctx, pid, 1)
	if err != nil {
		t.Fatalf("build assignment: %v", err)
	}
	sess, err := service.StartSession(ctx, app.NewSessionInput{
		ParticipantID:  pid,
		AssignedGroup:  1,
		TotalQuestions: view.TotalQuestions,
		Assignment:     view.Assignment,
		CategoryMap:    view.CategoryMap,
	})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return view, sess
}

func answer(t *testing.T, service *app.StudyService, sess domain.Session, qid string) domain.Response {
	t.Helper()
	resp, err := service.RecordResponse(context.Background(), app.ResponseInput{
		ParticipantID: sess.ParticipantID,
		SessionID:     sess.ID,
		QuestionID:    qid,
		Category:      sess.CategoryMap[qid],
		AssignedGroup: intPtr(sess.AssignedGroup),
		Answer:        domain.ExpectedAnswer(qid),
		IsCorrect:     true,
		ReactionTime:  0.8,
	})
	if err != nil {
		t.Fatalf("record %s: %v", qid, err)
	}
	return resp
}

func TestEndToEndSession(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	service := newTestService(store, app.WithCreationGuard(memory.NewCreationGuard()))

	if _, err := service.RegisterParticipant(ctx, app.ParticipantInput{ParticipantID: "p1", AssignedGroup: 1}); err != nil {
		t.Fatalf("register: %v", err)
	}
	view, sess := startFromAssignment(t, service, "p1")
	if len(sess.Assignment) != 4 {
		t.Fatalf("expected 4 questions, got %d", len(sess.Assignment))
	}
	for i, want := range []string{"ff", "ff", "bd", "bd"} {
		if got := view.CategoryMap[sess.Assignment[i]]; got != want {
			t.Fatalf("position %d: expected category %s, got %s", i, want, got)
		}
	}

	for i, qid := range sess.Assignment {
		answer(t, service, sess, qid)
		got, err := store.GetSession(ctx, sess.ID)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if got.CurrentIndex != i+1 {
			t.Fatalf("after answer %d expected current_index %d, got %d", i, i+1, got.CurrentIndex)
		}
		if got.Completed != (i == 3) {
			t.Fatalf("after answer %d completed=%v", i, got.Completed)
		}
		if got.Completed && got.CompletedAt == nil {
			t.Fatalf("expected completed_at to be stamped")
		}
	}

	resumed, err := service.ResumeSession(ctx, "p1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed != nil {
		t.Fatalf("expected nothing to resume, got %+v", resumed)
	}
}

func TestStartSessionIsSingletonUnderConcurrency(t *testing.T) {
	for name, opts := range map[string][]app.ServiceOption{
		"with guard":    {app.WithCreationGuard(memory.NewCreationGuard())},
		"without guard": nil,
	} {
		t.Run(name, func(t *testing.T) {
			service := newTestService(memory.NewStore(), opts...)
			in := app.NewSessionInput{
				ParticipantID:  "p1",
				AssignedGroup:  1,
				TotalQuestions: 2,
				Assignment:     []string{"a", "b"},
			}

			var wg sync.WaitGroup
			ids := make([]string, 16)
			errs := make([]error, 16)
			for i := range ids {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					sess, err := service.StartSession(context.Background(), in)
					ids[i], errs[i] = sess.ID, err
				}(i)
			}
			wg.Wait()

			for i := range ids {
				if errs[i] != nil {
					t.Fatalf("start %d: %v", i, errs[i])
				}
				if ids[i] != ids[0] {
					t.Fatalf("expected a single session, got %s and %s", ids[0], ids[i])
				}
			}
		})
	}
}

func TestRecordResponseIsIdempotent(t *testing.T) {
	service := newTestService(memory.NewStore())
	_, sess := startFromAssignment(t, service, "p1")
	qid := sess.Assignment[0]

	var wg sync.WaitGroup
	ids := make([]int64, 10)
	errs := make([]error, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := service.RecordResponse(context.Background(), app.ResponseInput{
				ParticipantID: "p1",
				SessionID:     sess.ID,
				QuestionID:    qid,
				Category:      sess.CategoryMap[qid],
				AssignedGroup: intPtr(1),
				Answer:        domain.AnswerPositive,
			})
			ids[i], errs[i] = resp.ID, err
		}(i)
	}
	wg.Wait()
	for i, id := range ids {
		if errs[i] != nil {
			t.Fatalf("record %d: %v", i, errs[i])
		}
		if id != ids[0] {
			t.Fatalf("expected one stored response, got ids %v", ids)
		}
	}

	responses, err := service.SessionResponses(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(responses) != 1 {
		t.Fatalf("expected 1 response, got %d", len(responses))
	}
	if responses[0].QuestionNumber != 1 {
		t.Fatalf("expected question_number 1, got %d", responses[0].QuestionNumber)
	}
}

func TestRecordResponseValidation(t *testing.T) {
	ctx := context.Background()
	service := newTestService(memory.NewStore())
	_, sess := startFromAssignment(t, service, "p1")

	base := app.ResponseInput{
		ParticipantID: "p1",
		SessionID:     sess.ID,
		QuestionID:    sess.Assignment[0],
		Category:      "ff",
		AssignedGroup: intPtr(1),
		Answer:        domain.AnswerPositive,
	}
	cases := map[string]func(in *app.ResponseInput){
		"bad answer":        func(in *app.ResponseInput) { in.Answer = "yes" },
		"missing group":     func(in *app.ResponseInput) { in.AssignedGroup = nil },
		"missing question":  func(in *app.ResponseInput) { in.QuestionID = "" },
		"foreign question":  func(in *app.ResponseInput) { in.QuestionID = "not-assigned" },
		"other participant": func(in *app.ResponseInput) { in.ParticipantID = "p2" },
		"negative time":     func(in *app.ResponseInput) { in.ReactionTime = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := base
			mutate(&in)
			if _, err := service.RecordResponse(ctx, in); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	in := base
	in.SessionID = "missing"
	if _, err := service.RecordResponse(ctx, in); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown session, got %v", err)
	}
}

type failingUpdates struct {
	app.Store
}

func (failingUpdates) UpdateSession(context.Context, string, domain.SessionPatch, time.Time) (domain.Session, error) {
	return domain.Session{}, &domain.StoreError{Op: "update session", Err: errors.New("connection reset")}
}

func (failingUpdates) AdvanceSession(context.Context, string, int, int, bool, time.Time) (domain.Session, error) {
	return domain.Session{}, &domain.StoreError{Op: "advance session", Err: errors.New("connection reset")}
}

func TestAdvanceFailureDoesNotFailResponse(t *testing.T) {
	store := memory.NewStore()
	service := newTestService(store)
	_, sess := startFromAssignment(t, service, "p1")

	flaky := newTestService(failingUpdates{Store: store})
	resp, err := flaky.RecordResponse(context.Background(), app.ResponseInput{
		ParticipantID: "p1",
		SessionID:     sess.ID,
		QuestionID:    sess.Assignment[0],
		Category:      "ff",
		AssignedGroup: intPtr(1),
		Answer:        domain.AnswerPositive,
	})
	if err != nil {
		t.Fatalf("expected response to be stored despite advance failure: %v", err)
	}
	if resp.ID == 0 {
		t.Fatalf("expected stored response id")
	}

	// resume repairs the position from the stored answers
	resumed, err := service.ResumeSession(context.Background(), "p1")
	if err != nil || resumed == nil {
		t.Fatalf("resume: %v %v", resumed, err)
	}
	if resumed.CurrentIndex != 1 || resumed.Progress != 25 {
		t.Fatalf("expected index 1 / 25%%, got %d / %d", resumed.CurrentIndex, resumed.Progress)
	}
}

func TestResumeCompletesFullyAnsweredSession(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	service := newTestService(store)
	_, sess := startFromAssignment(t, service, "p1")

	for i, qid := range sess.Assignment {
		if _, err := store.InsertResponse(ctx, domain.Response{
			ParticipantID: "p1", SessionID: sess.ID, QuestionID: qid, Category: "ff",
			AssignedGroup: 1, Answer: domain.AnswerPositive, QuestionNumber: i + 1,
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	resumed, err := service.ResumeSession(ctx, "p1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed != nil {
		t.Fatalf("expected nil once every question is answered")
	}
	got, _ := store.GetSession(ctx, sess.ID)
	if !got.Completed || got.Progress != 100 || got.CurrentIndex != 4 {
		t.Fatalf("expected completed session at 4/100, got %+v", got)
	}
}

func TestResumeWithoutSession(t *testing.T) {
	service := newTestService(memory.NewStore())
	resumed, err := service.ResumeSession(context.Background(), "nobody")
	if err != nil || resumed != nil {
		t.Fatalf("expected nil, nil; got %v, %v", resumed, err)
	}
	if _, err := service.ResumeSession(context.Background(), " "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for blank id, got %v", err)
	}
}

func TestUpdateAndCompleteSession(t *testing.T) {
	ctx := context.Background()
	service := newTestService(memory.NewStore())
	_, sess := startFromAssignment(t, service, "p1")

	if _, err := service.UpdateSession(ctx, sess.ID, domain.SessionPatch{Progress: intPtr(101)}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected progress bound violation, got %v", err)
	}
	if _, err := service.UpdateSession(ctx, sess.ID, domain.SessionPatch{CurrentIndex: intPtr(-1)}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected index bound violation, got %v", err)
	}

	first, err := service.CompleteSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	second, err := service.CompleteSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("complete again: %v", err)
	}
	if !second.CompletedAt.Equal(*first.CompletedAt) {
		t.Fatalf("completed_at changed on repeat completion")
	}

	reopen := false
	if _, err := service.UpdateSession(ctx, sess.ID, domain.SessionPatch{Completed: &reopen}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected reopen to be rejected, got %v", err)
	}

	if _, err := service.CompleteSession(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStartSessionValidation(t *testing.T) {
	service := newTestService(memory.NewStore())
	cases := map[string]app.NewSessionInput{
		"missing fields":    {ParticipantID: "p1"},
		"length mismatch":   {ParticipantID: "p1", AssignedGroup: 1, TotalQuestions: 3, Assignment: []string{"a", "b"}},
		"duplicate ids":     {ParticipantID: "p1", AssignedGroup: 1, TotalQuestions: 2, Assignment: []string{"a", "a"}},
		"empty question id": {ParticipantID: "p1", AssignedGroup: 1, TotalQuestions: 2, Assignment: []string{"a", ""}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := service.StartSession(context.Background(), in); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	_, err := service.StartSession(context.Background(), app.NewSessionInput{
		ParticipantID: "p1", AssignedGroup: 5, TotalQuestions: 1, Assignment: []string{"a"},
	})
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error for unsupported group, got %v", err)
	}
}

func TestRegisterParticipant(t *testing.T) {
	ctx := context.Background()
	service := newTestService(memory.NewStore())

	p, err := service.RegisterParticipant(ctx, app.ParticipantInput{Email: "a@example.com", AssignedGroup: 2})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if p.ParticipantID != "a@example.com" || p.NPerCategory != 2 || p.Consent || p.ShareData {
		t.Fatalf("unexpected defaults %+v", p)
	}

	consent := true
	n := 5
	p, err = service.RegisterParticipant(ctx, app.ParticipantInput{
		ParticipantID: "a@example.com", AssignedGroup: 1, Consent: &consent, NPerCategory: &n,
	})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if p.AssignedGroup != 1 || !p.Consent || p.NPerCategory != 5 || p.Email == nil {
		t.Fatalf("expected upsert to update in place, got %+v", p)
	}

	if _, err := service.RegisterParticipant(ctx, app.ParticipantInput{AssignedGroup: 1}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error without identifier, got %v", err)
	}
	if _, err := service.RegisterParticipant(ctx, app.ParticipantInput{ParticipantID: "x", AssignedGroup: 3}); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := service.GetParticipant(ctx, "nobody"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBuildAssignmentConceptVisibility(t *testing.T) {
	ctx := context.Background()
	service := newTestService(memory.NewStore())

	shown, err := service.BuildAssignment(ctx, "p1", 1)
	if err != nil {
		t.Fatalf("build group 1: %v", err)
	}
	hidden, err := service.BuildAssignment(ctx, "p1", 2)
	if err != nil {
		t.Fatalf("build group 2: %v", err)
	}
	for i := range shown.Questions {
		if shown.Questions[i].ID != hidden.Questions[i].ID {
			t.Fatalf("selection must not depend on group")
		}
		if shown.Questions[i].Concept == "" {
			t.Fatalf("group 1 should see concepts")
		}
		if hidden.Questions[i].Concept != "" {
			t.Fatalf("group 2 should not see concepts")
		}
	}
}

func TestProgressEventsArePublished(t *testing.T) {
	hub := app.NewProgressHub()
	service := newTestService(memory.NewStore(), app.WithProgressHub(hub))
	events, cancel := hub.Subscribe("")
	defer cancel()

	_, sess := startFromAssignment(t, service, "p1")
	if ev := <-events; ev.SessionID != sess.ID || ev.CurrentIndex != 0 {
		t.Fatalf("expected creation event, got %+v", ev)
	}
	answer(t, service, sess, sess.Assignment[0])
	if ev := <-events; ev.CurrentIndex != 1 || ev.Progress != 25 {
		t.Fatalf("expected advance event, got %+v", ev)
	}
}

// heldAdvance parks the first AdvanceSession call until release is closed.
type heldAdvance struct {
	app.Store
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (h *heldAdvance) AdvanceSession(ctx context.Context, id string, next, progress int, complete bool, at time.Time) (domain.Session, error) {
	if h.calls.Add(1) == 1 {
		close(h.entered)
		<-h.release
	}
	return h.Store.AdvanceSession(ctx, id, next, progress, complete, at)
}

func TestLateAdvanceDoesNotRewindCompletedSession(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	_, sess := startFromAssignment(t, newTestService(store), "p1")
	answer(t, newTestService(store), sess, sess.Assignment[0])
	answer(t, newTestService(store), sess, sess.Assignment[1])

	held := &heldAdvance{Store: store, entered: make(chan struct{}), release: make(chan struct{})}
	service := newTestService(held)

	third := make(chan error, 1)
	go func() {
		_, err := service.RecordResponse(ctx, app.ResponseInput{
			ParticipantID: "p1",
			SessionID:     sess.ID,
			QuestionID:    sess.Assignment[2],
			Category:      sess.CategoryMap[sess.Assignment[2]],
			AssignedGroup: intPtr(1),
			Answer:        domain.ExpectedAnswer(sess.Assignment[2]),
			IsCorrect:     true,
		})
		third <- err
	}()

	select {
	case <-held.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("third answer never reached the position write")
	}
	answer(t, service, sess, sess.Assignment[3])
	close(held.release)
	if err := <-third; err != nil {
		t.Fatalf("record third answer: %v", err)
	}

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !got.Completed || got.CurrentIndex != 4 || got.Progress != 100 {
		t.Fatalf("expected completed at 4/100%%, got completed=%v index=%d progress=%d", got.Completed, got.CurrentIndex, got.Progress)
	}
}
