package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"joatu/internal/app"
	"joatu/internal/config"
	"joatu/internal/db"
	"joatu/internal/domain"
	"joatu/internal/engine"
	"joatu/internal/engine/auth"
	"joatu/internal/events"
	"joatu/internal/match"
	"joatu/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	ctx := context.Background()
	cfg := config.Default()
	eng, err := app.Open(ctx, db.Config{Workspace: t.TempDir()}, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { eng.DB.Close() })
	tick := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	eng.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick = tick.Add(time.Second)
		return tick
	}
	for _, actor := range []string{"alice", "bob", "carol", "dave"} {
		if err := app.EnsureActor(ctx, eng.Repo, cfg, actor); err != nil {
			t.Fatalf("ensure actor %s: %v", actor, err)
		}
	}
	if err := app.EnsureActor(ctx, eng.Repo, cfg, "admin"); err != nil {
		t.Fatal(err)
	}
	if err := eng.Repo.AssignRole(ctx, nil, "admin", "manager"); err != nil {
		t.Fatalf("assign manager: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) create(t *testing.T, kind domain.Kind, actor string, cats ...string) domain.Exchange {
	t.Helper()
	ex, err := env.Engine.CreateExchange(env.Ctx, engine.ExchangeCreateOptions{
		Kind:        kind,
		Name:        domain.LocalizedText{"en": string(kind) + " by " + actor},
		Description: domain.LocalizedText{"en": "details"},
		CategoryIDs: cats,
		ActorID:     actor,
	})
	if err != nil {
		t.Fatalf("create %s: %v", kind, err)
	}
	return ex
}

func (env testEnv) matchIDs(t *testing.T, id string, opts match.Options) []string {
	t.Helper()
	var ids []string
	for ex, err := range env.Engine.FindMatches(env.Ctx, id, opts) {
		if err != nil {
			t.Fatalf("find matches: %v", err)
		}
		ids = append(ids, ex.ID)
	}
	return ids
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func wantValidation(t *testing.T, err error, field string) {
	t.Helper()
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError on %s, got %v", field, err)
	}
	if field != "" && ve.Field != field {
		t.Fatalf("expected ValidationError on %s, got field %s (%v)", field, ve.Field, err)
	}
}

func TestCreateExchangeRequiresCategories(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateExchange(env.Ctx, engine.ExchangeCreateOptions{
		Kind:        domain.KindOffer,
		Name:        domain.LocalizedText{"en": "Soup"},
		Description: domain.LocalizedText{"en": "Hot soup"},
		ActorID:     "alice",
	})
	wantValidation(t, err, "categories")

	_, err = env.Engine.CreateExchange(env.Ctx, engine.ExchangeCreateOptions{
		Kind:        domain.KindOffer,
		Name:        domain.LocalizedText{"en": "Soup"},
		Description: domain.LocalizedText{"en": "Hot soup"},
		CategoryIDs: []string{"food", "spaceships"},
		ActorID:     "alice",
	})
	wantValidation(t, err, "categories")

	items, err := env.Engine.ListExchanges(env.Ctx, repo.ExchangeFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("expected nothing persisted, got %d records", len(items))
	}
}

func TestCreateExchangeValidation(t *testing.T) {
	env := newTestEnv(t)
	base := func() engine.ExchangeCreateOptions {
		return engine.ExchangeCreateOptions{
			Kind:        domain.KindRequest,
			Name:        domain.LocalizedText{"en": "Ride"},
			Description: domain.LocalizedText{"en": "Ride to clinic"},
			CategoryIDs: []string{"transport"},
			ActorID:     "bob",
		}
	}
	cases := []struct {
		name  string
		field string
		edit  func(o *engine.ExchangeCreateOptions)
	}{
		{"missing creator", "creator", func(o *engine.ExchangeCreateOptions) { o.ActorID = "" }},
		{"missing name", "name", func(o *engine.ExchangeCreateOptions) { o.Name = domain.LocalizedText{"en": "  "} }},
		{"missing description", "description", func(o *engine.ExchangeCreateOptions) { o.Description = nil }},
		{"bad locale", "name", func(o *engine.ExchangeCreateOptions) { o.Name = domain.LocalizedText{"not a tag!": "x"} }},
		{"disabled locale", "name", func(o *engine.ExchangeCreateOptions) { o.Name = domain.LocalizedText{"de": "Fahrt"} }},
		{"bad status", "status", func(o *engine.ExchangeCreateOptions) { o.Status = "pending" }},
		{"bad urgency", "urgency", func(o *engine.ExchangeCreateOptions) { o.Urgency = "asap" }},
		{"bad kind", "kind", func(o *engine.ExchangeCreateOptions) { o.Kind = "gift" }},
		{"target id without type", "target_type", func(o *engine.ExchangeCreateOptions) { o.Target = &domain.Target{ID: "c1"} }},
		{"target type without id", "target_id", func(o *engine.ExchangeCreateOptions) { o.Target = &domain.Target{Type: "community"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := base()
			tc.edit(&opts)
			_, err := env.Engine.CreateExchange(env.Ctx, opts)
			wantValidation(t, err, tc.field)
		})
	}
}

func TestCreateExchangeNormalizes(t *testing.T) {
	env := newTestEnv(t)
	ex, err := env.Engine.CreateExchange(env.Ctx, engine.ExchangeCreateOptions{
		Kind:        domain.KindOffer,
		Name:        domain.LocalizedText{"en": " Cafe\u0301 ", "fr": ""},
		Description: domain.LocalizedText{"en": "coffee"},
		CategoryIDs: []string{"food", " food", "shelter"},
		Address:     &domain.Address{City: " Lyon "},
		ActorID:     "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	if ex.Status != domain.StatusOpen || ex.Urgency != domain.UrgencyNormal {
		t.Fatalf("unexpected defaults %s/%s", ex.Status, ex.Urgency)
	}
	got, err := env.Engine.GetExchange(env.Ctx, ex.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name["en"] != "Caf\u00e9" {
		t.Fatalf("expected NFC name, got %q", got.Name["en"])
	}
	if _, ok := got.Name["fr"]; ok {
		t.Fatalf("blank translation should be dropped")
	}
	if len(got.CategoryIDs) != 2 || got.CategoryIDs[0] != "food" || got.CategoryIDs[1] != "shelter" {
		t.Fatalf("unexpected categories %v", got.CategoryIDs)
	}
	if got.Address == nil || got.Address.City != "Lyon" {
		t.Fatalf("unexpected address %+v", got.Address)
	}
}

func TestUpdateExchangeKeepsCategoriesNonEmpty(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t, domain.KindOffer, "alice", "food")
	_, err := env.Engine.UpdateExchange(env.Ctx, engine.ExchangeUpdateOptions{ID: o.ID, CategoryIDs: []string{}, ActorID: "alice"})
	wantValidation(t, err, "categories")
	got, err := env.Engine.GetExchange(env.Ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.CategoryIDs) != 1 || got.CategoryIDs[0] != "food" {
		t.Fatalf("categories changed by failed update: %v", got.CategoryIDs)
	}
}

func TestUpdateRequestsMatchingOnlyWhenCategoriesOrTargetChange(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t, domain.KindOffer, "alice", "food")
	count := func() int {
		t.Helper()
		evts, err := env.Engine.Repo.EventsAfter(env.Ctx, 0, 100, events.ExchangeMatchRequested)
		if err != nil {
			t.Fatal(err)
		}
		n := 0
		for _, e := range evts {
			if e.EntityID == o.ID {
				n++
			}
		}
		return n
	}
	if got := count(); got != 1 {
		t.Fatalf("expected one match request after create, got %d", got)
	}
	high := domain.UrgencyHigh
	if _, err := env.Engine.UpdateExchange(env.Ctx, engine.ExchangeUpdateOptions{ID: o.ID, Urgency: &high, Name: domain.LocalizedText{"en": "Bread"}, ActorID: "alice"}); err != nil {
		t.Fatal(err)
	}
	if got := count(); got != 1 {
		t.Fatalf("unrelated edit requested matching, got %d", got)
	}
	if _, err := env.Engine.UpdateExchange(env.Ctx, engine.ExchangeUpdateOptions{ID: o.ID, CategoryIDs: []string{"food"}, ActorID: "alice"}); err != nil {
		t.Fatal(err)
	}
	if got := count(); got != 1 {
		t.Fatalf("unchanged category set requested matching, got %d", got)
	}
	if _, err := env.Engine.UpdateExchange(env.Ctx, engine.ExchangeUpdateOptions{ID: o.ID, CategoryIDs: []string{"food", "tools"}, ActorID: "alice"}); err != nil {
		t.Fatal(err)
	}
	if got := count(); got != 2 {
		t.Fatalf("category change should request matching, got %d", got)
	}
	if _, err := env.Engine.UpdateExchange(env.Ctx, engine.ExchangeUpdateOptions{ID: o.ID, Target: &domain.Target{Type: "community", ID: "A"}, ActorID: "alice"}); err != nil {
		t.Fatal(err)
	}
	if got := count(); got != 3 {
		t.Fatalf("target change should request matching, got %d", got)
	}
}

func TestFindMatchesSymmetricAndExclusive(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t, domain.KindOffer, "alice", "food")
	q := env.create(t, domain.KindRequest, "bob", "food", "shelter")
	disjoint := env.create(t, domain.KindRequest, "carol", "transport")
	own := env.create(t, domain.KindRequest, "alice", "food")

	fromOffer := env.matchIDs(t, o.ID, match.Options{})
	if !contains(fromOffer, q.ID) {
		t.Fatalf("expected %s in offer matches %v", q.ID, fromOffer)
	}
	if contains(fromOffer, disjoint.ID) {
		t.Fatalf("disjoint categories matched")
	}
	if contains(fromOffer, own.ID) {
		t.Fatalf("self match included")
	}
	if !contains(env.matchIDs(t, q.ID, match.Options{}), o.ID) {
		t.Fatalf("matching is not symmetric")
	}
	if contains(env.matchIDs(t, disjoint.ID, match.Options{}), o.ID) {
		t.Fatalf("disjoint categories matched in reverse")
	}
	if len(env.matchIDs(t, own.ID, match.Options{})) != 0 {
		t.Fatalf("own request should not match own offer")
	}
}

func TestFindMatchesIsLazyAndRestartable(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t, domain.KindOffer, "alice", "food")
	seq := env.Engine.FindMatches(env.Ctx, o.ID, match.Options{})
	q1 := env.create(t, domain.KindRequest, "bob", "food")

	var first []string
	for ex, err := range seq {
		if err != nil {
			t.Fatal(err)
		}
		first = append(first, ex.ID)
	}
	if len(first) != 1 || first[0] != q1.ID {
		t.Fatalf("expected lookup at iteration time, got %v", first)
	}
	q2 := env.create(t, domain.KindRequest, "carol", "food")
	var second []string
	for ex, err := range seq {
		if err != nil {
			t.Fatal(err)
		}
		second = append(second, ex.ID)
	}
	if !contains(second, q1.ID) || !contains(second, q2.ID) {
		t.Fatalf("expected re-run to see both requests, got %v", second)
	}
	// stopping early must not panic
	for range seq {
		break
	}
}

// seedRequests inserts n open requests in category directly, bypassing the
// engine so large populations stay cheap to build.
func seedRequests(t *testing.T, env testEnv, n int, creator, category string) {
	t.Helper()
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	insEx, err := tx.PrepareContext(env.Ctx, `INSERT INTO exchanges(id,kind,name_json,description_json,status,urgency,creator_id,created_at,updated_at)
VALUES (?,'request','{"en":"need"}','{"en":"details"}','open','normal',?,?,?)`)
	if err != nil {
		t.Fatal(err)
	}
	defer insEx.Close()
	insCat, err := tx.PrepareContext(env.Ctx, `INSERT INTO categorizations(category_id,exchange_id) VALUES (?,?)`)
	if err != nil {
		t.Fatal(err)
	}
	defer insCat.Close()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("bulk-%06d", i)
		if _, err := insEx.ExecContext(env.Ctx, id, creator, "2023-01-01T00:00:00Z", "2023-01-01T00:00:00Z"); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
		if _, err := insCat.ExecContext(env.Ctx, category, id); err != nil {
			t.Fatalf("categorize %s: %v", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestFindMatchesOverLargeCategory(t *testing.T) {
	if testing.Short() {
		t.Skip("bulk insert")
	}
	env := newTestEnv(t)
	const n = 33000
	seedRequests(t, env, n, "bob", "food")
	o := env.create(t, domain.KindOffer, "alice", "food")

	ids := env.matchIDs(t, o.ID, match.Options{})
	if len(ids) != n {
		t.Fatalf("expected %d matches, got %d", n, len(ids))
	}
	limited := env.matchIDs(t, o.ID, match.Options{Limit: 10})
	if len(limited) != 10 {
		t.Fatalf("expected 10 matches with limit, got %d", len(limited))
	}
}

func TestFindMatchesUnknownRecord(t *testing.T) {
	env := newTestEnv(t)
	for _, err := range env.Engine.FindMatches(env.Ctx, "missing", match.Options{}) {
		if !errors.Is(err, repo.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	}
}

func TestFindMatchesTargetRule(t *testing.T) {
	env := newTestEnv(t)
	scoped := func(kind domain.Kind, actor, community string) domain.Exchange {
		ex, err := env.Engine.CreateExchange(env.Ctx, engine.ExchangeCreateOptions{
			Kind:        kind,
			Name:        domain.LocalizedText{"en": "x"},
			Description: domain.LocalizedText{"en": "y"},
			CategoryIDs: []string{"food"},
			Target:      &domain.Target{Type: "community", ID: community},
			ActorID:     actor,
		})
		if err != nil {
			t.Fatal(err)
		}
		return ex
	}
	o := scoped(domain.KindOffer, "alice", "A")
	qB := scoped(domain.KindRequest, "bob", "B")
	qA := scoped(domain.KindRequest, "carol", "A")
	qOpen := env.create(t, domain.KindRequest, "dave", "food")

	got := env.matchIDs(t, o.ID, match.Options{})
	if contains(got, qB.ID) {
		t.Fatalf("request scoped to another community matched")
	}
	if !contains(got, qA.ID) || !contains(got, qOpen.ID) {
		t.Fatalf("expected same-scope and unscoped requests, got %v", got)
	}
	// an unscoped offer does not constrain candidates
	free := env.create(t, domain.KindOffer, "admin", "food")
	if !contains(env.matchIDs(t, free.ID, match.Options{}), qB.ID) {
		t.Fatalf("unscoped offer should match scoped request")
	}
}

func TestFindMatchesIgnoresStatusUnlessAsked(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t, domain.KindOffer, "alice", "food")
	q := env.create(t, domain.KindRequest, "bob", "food")
	closed := domain.StatusClosed
	if _, err := env.Engine.UpdateExchange(env.Ctx, engine.ExchangeUpdateOptions{ID: q.ID, Status: &closed, ActorID: "bob"}); err != nil {
		t.Fatal(err)
	}
	if !contains(env.matchIDs(t, o.ID, match.Options{}), q.ID) {
		t.Fatalf("closed request should still be compatible")
	}
	if contains(env.matchIDs(t, o.ID, match.Options{Statuses: []string{domain.StatusOpen}}), q.ID) {
		t.Fatalf("explicit status filter not applied")
	}
}

func TestAgreementLifecycle(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t, domain.KindOffer, "alice", "food")
	q := env.create(t, domain.KindRequest, "bob", "food")
	a, err := env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{OfferID: o.ID, RequestID: q.ID, Terms: "Tuesday pickup", ActorID: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.AgreementPending {
		t.Fatalf("expected pending, got %s", a.Status)
	}
	a, err = env.Engine.AcceptAgreement(env.Ctx, a.ID, "alice")
	if err != nil || a.Status != domain.AgreementAccepted {
		t.Fatalf("accept: %v", err)
	}
	var se engine.StateError
	if _, err := env.Engine.AcceptAgreement(env.Ctx, a.ID, "alice"); !errors.As(err, &se) {
		t.Fatalf("expected StateError on second accept, got %v", err)
	}
	if se.Error() != "this agreement has already been decided" {
		t.Fatalf("unexpected message %q", se.Error())
	}
	if _, err := env.Engine.RejectAgreement(env.Ctx, a.ID, "bob"); !errors.As(err, &se) {
		t.Fatalf("expected StateError on reject after accept, got %v", err)
	}
	got, _ := env.Engine.GetAgreement(env.Ctx, a.ID)
	if got.Status != domain.AgreementAccepted {
		t.Fatalf("status changed to %s", got.Status)
	}
}

func TestRejectTwice(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t, domain.KindOffer, "alice", "food")
	q := env.create(t, domain.KindRequest, "bob", "food")
	a, err := env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{OfferID: o.ID, RequestID: q.ID, ActorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RejectAgreement(env.Ctx, a.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	var se engine.StateError
	if _, err := env.Engine.RejectAgreement(env.Ctx, a.ID, "bob"); !errors.As(err, &se) {
		t.Fatalf("expected StateError, got %v", err)
	}
	if se.Status != domain.AgreementRejected {
		t.Fatalf("expected rejected in error, got %s", se.Status)
	}
	got, _ := env.Engine.GetAgreement(env.Ctx, a.ID)
	if got.Status != domain.AgreementRejected {
		t.Fatalf("status changed to %s", got.Status)
	}
}

func TestAgreementPairUniqueRegardlessOfStatus(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t, domain.KindOffer, "alice", "food")
	q := env.create(t, domain.KindRequest, "bob", "food")
	a, err := env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{OfferID: o.ID, RequestID: q.ID, ActorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{OfferID: o.ID, RequestID: q.ID, ActorID: "bob"})
	wantValidation(t, err, "request_id")
	if _, err := env.Engine.RejectAgreement(env.Ctx, a.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{OfferID: o.ID, RequestID: q.ID, ActorID: "bob"})
	wantValidation(t, err, "request_id")
}

func TestAgreementSlotsCheckKind(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t, domain.KindOffer, "alice", "food")
	o2 := env.create(t, domain.KindOffer, "bob", "food")
	q := env.create(t, domain.KindRequest, "bob", "food")

	_, err := env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{OfferID: q.ID, RequestID: o.ID, ActorID: "alice"})
	wantValidation(t, err, "offer_id")
	_, err = env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{OfferID: o.ID, RequestID: o2.ID, ActorID: "alice"})
	wantValidation(t, err, "request_id")
	_, err = env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{OfferID: o.ID, RequestID: "missing", ActorID: "admin"})
	wantValidation(t, err, "request_id")
}

func TestAgreementWithUnknownRecordIsDeniedForMembers(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t, domain.KindOffer, "alice", "food")
	q := env.create(t, domain.KindRequest, "bob", "food")
	var ae auth.AuthorizationError

	// existing and unknown ids must be indistinguishable to outsiders
	_, err := env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{OfferID: o.ID, RequestID: q.ID, ActorID: "carol"})
	if !errors.As(err, &ae) {
		t.Fatalf("expected AuthorizationError for outsider, got %v", err)
	}
	_, err = env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{OfferID: "ghost", RequestID: q.ID, ActorID: "carol"})
	if !errors.As(err, &ae) {
		t.Fatalf("expected AuthorizationError for unknown offer, got %v", err)
	}
	_, err = env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{OfferID: o.ID, RequestID: "ghost", ActorID: "alice"})
	if !errors.As(err, &ae) {
		t.Fatalf("expected AuthorizationError for unknown request, got %v", err)
	}
	_, err = env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{OfferID: "", RequestID: q.ID, ActorID: "bob"})
	wantValidation(t, err, "offer_id")
}

func TestAcceptSiblingConflicts(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t, domain.KindOffer, "alice", "food")
	q1 := env.create(t, domain.KindRequest, "bob", "food")
	q2 := env.create(t, domain.KindRequest, "carol", "food")
	a1, err := env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{OfferID: o.ID, RequestID: q1.ID, ActorID: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	a2, err := env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{OfferID: o.ID, RequestID: q2.ID, ActorID: "carol"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AcceptAgreement(env.Ctx, a1.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	var ce engine.ConflictError
	if _, err := env.Engine.AcceptAgreement(env.Ctx, a2.ID, "alice"); !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	got, _ := env.Engine.GetAgreement(env.Ctx, a2.ID)
	if got.Status != domain.AgreementPending {
		t.Fatalf("losing agreement should stay pending, got %s", got.Status)
	}
	// the loser may still be rejected
	if _, err := env.Engine.RejectAgreement(env.Ctx, a2.ID, "carol"); err != nil {
		t.Fatalf("reject loser: %v", err)
	}
}

func TestConcurrentAcceptKeepsExclusivity(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t, domain.KindOffer, "alice", "food")
	var ids []string
	for _, actor := range []string{"bob", "carol", "dave"} {
		q := env.create(t, domain.KindRequest, actor, "food")
		a, err := env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{OfferID: o.ID, RequestID: q.ID, ActorID: actor})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, a.ID)
	}

	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			<-start
			_, errs[i] = env.Engine.AcceptAgreement(env.Ctx, id, "alice")
		}(i, id)
	}
	close(start)
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		var ce engine.ConflictError
		switch {
		case err == nil:
			accepted++
		case errors.As(err, &ce):
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if accepted != 1 {
		t.Fatalf("expected exactly one accepted agreement, got %d", accepted)
	}
	list, err := env.Engine.ListAgreements(env.Ctx, repo.AgreementFilters{ExchangeID: o.ID, Status: domain.AgreementAccepted})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one accepted row, got %d", len(list))
	}
}

func TestStoreRejectsSecondAcceptedAgreement(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t, domain.KindOffer, "alice", "food")
	q1 := env.create(t, domain.KindRequest, "bob", "food")
	q2 := env.create(t, domain.KindRequest, "carol", "food")
	a1, _ := env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{OfferID: o.ID, RequestID: q1.ID, ActorID: "bob"})
	a2, _ := env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{OfferID: o.ID, RequestID: q2.ID, ActorID: "carol"})
	if _, err := env.Engine.AcceptAgreement(env.Ctx, a1.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	_, err = env.Engine.Repo.TransitionAgreement(env.Ctx, tx, a2.ID, domain.AgreementPending, domain.AgreementAccepted, "2024-01-02T00:00:00Z")
	if !repo.IsUniqueViolation(err) {
		t.Fatalf("expected unique violation from the store, got %v", err)
	}
}

func TestLinkDirectionality(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, domain.KindOffer, "alice", "food")
	b := env.create(t, domain.KindRequest, "bob", "food")
	if _, err := env.Engine.Link(env.Ctx, engine.LinkOptions{SourceID: a.ID, ResponseID: b.ID, ActorID: "bob"}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Link(env.Ctx, engine.LinkOptions{SourceID: a.ID, ResponseID: b.ID, ActorID: "bob"})
	wantValidation(t, err, "response_id")
	if _, err := env.Engine.Link(env.Ctx, engine.LinkOptions{SourceID: b.ID, ResponseID: a.ID, ActorID: "alice"}); err != nil {
		t.Fatalf("reverse link: %v", err)
	}
	links, err := env.Engine.ListLinks(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 2 {
		t.Fatalf("expected 2 links, got %d", len(links))
	}
	_, err = env.Engine.Link(env.Ctx, engine.LinkOptions{SourceID: a.ID, ResponseID: "missing", ActorID: "bob"})
	wantValidation(t, err, "response_id")
}

func TestDestroyCascadesAgreementsAndNullifiesLinks(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t, domain.KindOffer, "alice", "food")
	q := env.create(t, domain.KindRequest, "bob", "food")
	ag, err := env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{OfferID: o.ID, RequestID: q.ID, ActorID: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	link, err := env.Engine.Link(env.Ctx, engine.LinkOptions{SourceID: o.ID, ResponseID: q.ID, ActorID: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DestroyExchange(env.Ctx, o.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GetAgreement(env.Ctx, ag.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected agreement removed, got %v", err)
	}
	got, err := env.Engine.Repo.GetLink(env.Ctx, nil, link.ID)
	if err != nil {
		t.Fatalf("link should survive: %v", err)
	}
	if got.SourceID != nil {
		t.Fatalf("expected nil source, got %v", *got.SourceID)
	}
	if got.ResponseID == nil || *got.ResponseID != q.ID {
		t.Fatalf("response endpoint should be kept")
	}
	if len(env.matchIDs(t, q.ID, match.Options{})) != 0 {
		t.Fatalf("destroyed offer still matched")
	}
}

func TestAuthorizationDenied(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t, domain.KindOffer, "alice", "food")
	q := env.create(t, domain.KindRequest, "bob", "food")
	var ae auth.AuthorizationError

	_, err := env.Engine.CreateExchange(env.Ctx, engine.ExchangeCreateOptions{
		Kind:        domain.KindOffer,
		Name:        domain.LocalizedText{"en": "x"},
		Description: domain.LocalizedText{"en": "y"},
		CategoryIDs: []string{"food"},
		ActorID:     "stranger",
	})
	if !errors.As(err, &ae) || err.Error() != "not permitted" {
		t.Fatalf("expected AuthorizationError for actor without role, got %v", err)
	}

	urgent := domain.UrgencyCritical
	if _, err := env.Engine.UpdateExchange(env.Ctx, engine.ExchangeUpdateOptions{ID: o.ID, Urgency: &urgent, ActorID: "bob"}); !errors.As(err, &ae) {
		t.Fatalf("expected AuthorizationError for non-owner update, got %v", err)
	}
	if err := env.Engine.DestroyExchange(env.Ctx, o.ID, "bob"); !errors.As(err, &ae) {
		t.Fatalf("expected AuthorizationError for non-owner destroy, got %v", err)
	}
	if _, err := env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{OfferID: o.ID, RequestID: q.ID, ActorID: "carol"}); !errors.As(err, &ae) {
		t.Fatalf("expected AuthorizationError for outsider agreement, got %v", err)
	}
	a, err := env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{OfferID: o.ID, RequestID: q.ID, ActorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AcceptAgreement(env.Ctx, a.ID, "carol"); !errors.As(err, &ae) {
		t.Fatalf("expected AuthorizationError for outsider accept, got %v", err)
	}
	got, _ := env.Engine.GetAgreement(env.Ctx, a.ID)
	if got.Status != domain.AgreementPending {
		t.Fatalf("denied accept changed status to %s", got.Status)
	}

	// managers may act on any record
	if _, err := env.Engine.UpdateExchange(env.Ctx, engine.ExchangeUpdateOptions{ID: o.ID, Urgency: &urgent, ActorID: "admin"}); err != nil {
		t.Fatalf("manager update: %v", err)
	}
	if _, err := env.Engine.AcceptAgreement(env.Ctx, a.ID, "admin"); err != nil {
		t.Fatalf("manager accept: %v", err)
	}
}

func TestGrantsFromContext(t *testing.T) {
	env := newTestEnv(t)
	ctx := auth.WithGrants(env.Ctx, []string{auth.EventsRead})
	if _, err := env.Engine.EventLog(env.Ctx, "bob", 10, ""); err == nil {
		t.Fatalf("member should not read the event log")
	}
	evts, err := env.Engine.EventLog(ctx, "bob", 10, "")
	if err != nil {
		t.Fatalf("granted read: %v", err)
	}
	_ = evts
}

func TestCategoryAdministration(t *testing.T) {
	env := newTestEnv(t)
	parent := "food"
	c, err := env.Engine.SaveCategory(env.Ctx, domain.Category{ID: "bread", Name: "Bread", ParentID: &parent}, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if c.CreatedAt == "" {
		t.Fatalf("created_at not set")
	}
	var ae auth.AuthorizationError
	if _, err := env.Engine.SaveCategory(env.Ctx, domain.Category{ID: "x", Name: "X"}, "bob"); !errors.As(err, &ae) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
	env.create(t, domain.KindOffer, "alice", "bread")
	wantValidation(t, env.Engine.DeleteCategory(env.Ctx, "bread", "admin"), "category")
	if _, err := env.Engine.SaveCategory(env.Ctx, domain.Category{ID: "bread", Name: "Breads", ParentID: &parent}, "admin"); err != nil {
		t.Fatalf("rename referenced category: %v", err)
	}
	if err := env.Engine.DeleteCategory(env.Ctx, "childcare", "admin"); err != nil {
		t.Fatalf("delete unused category: %v", err)
	}
}

func TestGrantRoleAndWhoAmI(t *testing.T) {
	env := newTestEnv(t)
	var ae auth.AuthorizationError
	if err := env.Engine.GrantRole(env.Ctx, "bob", "carol", "manager"); !errors.As(err, &ae) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
	if err := env.Engine.GrantRole(env.Ctx, "admin", "carol", "manager"); err != nil {
		t.Fatal(err)
	}
	who, err := env.Engine.WhoAmI(env.Ctx, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if !contains(who.Roles, "manager") || !contains(who.Permissions, auth.ExchangeManage) {
		t.Fatalf("unexpected profile %+v", who)
	}
	wantValidation(t, env.Engine.GrantRole(env.Ctx, "admin", "carol", "emperor"), "role")
	if err := env.Engine.RevokeRole(env.Ctx, "admin", "carol", "manager"); err != nil {
		t.Fatal(err)
	}
	who, _ = env.Engine.WhoAmI(env.Ctx, "carol")
	if contains(who.Roles, "manager") {
		t.Fatalf("role not revoked")
	}
}
