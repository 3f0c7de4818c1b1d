package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"flockline/internal/app"
	"flockline/internal/db"
	"flockline/internal/domain"
	"flockline/internal/engine"
	"flockline/internal/migrate"
	"flockline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Org    domain.OrgContext
	Ctx    context.Context
	Conn   *sql.DB
	Dir    string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	orgID, cfg, err := app.ResolveOrg(ctx, "org-1", "tester", r)
	if err != nil {
		t.Fatalf("resolve org: %v", err)
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{
		Engine: eng,
		Org:    domain.OrgContext{OrgID: orgID, ActorID: "tester"},
		Ctx:    ctx,
		Conn:   conn,
		Dir:    dir,
	}
}

func (env testEnv) mustJourney(t *testing.T, title string) domain.Journey {
	t.Helper()
	j, err := env.Engine.CreateJourney(env.Ctx, env.Org, title, "")
	if err != nil {
		t.Fatalf("create journey: %v", err)
	}
	return j
}

func (env testEnv) mustStage(t *testing.T, journeyID, title string) domain.Stage {
	t.Helper()
	s, err := env.Engine.AddStage(env.Ctx, env.Org, journeyID, title)
	if err != nil {
		t.Fatalf("add stage %s: %v", title, err)
	}
	return s
}

func (env testEnv) mustPerson(t *testing.T, name, journeyID string) domain.Person {
	t.Helper()
	p, err := env.Engine.CreatePerson(env.Ctx, env.Org, name, journeyID)
	if err != nil {
		t.Fatalf("create person %s: %v", name, err)
	}
	return p
}

func (env testEnv) stages(t *testing.T, journeyID string) []domain.Stage {
	t.Helper()
	stages, err := env.Engine.Repo.ListStages(env.Ctx, journeyID)
	if err != nil {
		t.Fatalf("list stages: %v", err)
	}
	return stages
}

func (env testEnv) history(t *testing.T, personID, action string) []domain.HistoryEvent {
	t.Helper()
	events, err := env.Engine.Repo.ListHistory(env.Ctx, repo.HistoryFilters{
		OrgID:    env.Org.OrgID,
		PersonID: personID,
		Action:   action,
	})
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	return events
}

func TestCreateJourneySeedsEntryStage(t *testing.T) {
	env := newTestEnv(t)
	j := env.mustJourney(t, "Newcomers")
	stages := env.stages(t, j.ID)
	if len(stages) != 1 {
		t.Fatalf("expected 1 stage, got %d", len(stages))
	}
	if stages[0].Position != 0 || !stages[0].IsEntry() {
		t.Fatalf("entry stage must sit at position 0, got %d", stages[0].Position)
	}
	if stages[0].Title != "VISITANTES" {
		t.Fatalf("entry stage title = %q, want VISITANTES", stages[0].Title)
	}
}

func TestCreateJourneyRequiresTitle(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateJourney(env.Ctx, env.Org, "  ", "")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAddStageAppendsAtEnd(t *testing.T) {
	env := newTestEnv(t)
	j := env.mustJourney(t, "Newcomers")
	a := env.mustStage(t, j.ID, "Contacted")
	b := env.mustStage(t, j.ID, "Integrated")
	if a.Position != 1 || b.Position != 2 {
		t.Fatalf("positions = %d, %d; want 1, 2", a.Position, b.Position)
	}
}

func TestAddStageFailureLeavesStagesUnchanged(t *testing.T) {
	env := newTestEnv(t)
	j := env.mustJourney(t, "Newcomers")
	env.mustStage(t, j.ID, "Contacted")

	// Sever the store; the failed append must be reported, not swallowed.
	env.Conn.Close()
	if _, err := env.Engine.AddStage(env.Ctx, env.Org, j.ID, "Integrated"); err == nil {
		t.Fatalf("expected remote failure")
	}

	reopened, err := db.Open(db.Config{Workspace: env.Dir})
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	defer reopened.Close()
	stages, err := repo.Repo{DB: reopened}.ListStages(env.Ctx, j.ID)
	if err != nil {
		t.Fatalf("list stages: %v", err)
	}
	if len(stages) != 2 {
		t.Fatalf("failed add must leave the stage list unchanged, got %d stages", len(stages))
	}
	if stages[0].Title != "VISITANTES" || stages[1].Title != "Contacted" {
		t.Fatalf("stage list mutated: %s, %s", stages[0].Title, stages[1].Title)
	}
}

func TestReorderStages(t *testing.T) {
	env := newTestEnv(t)
	j := env.mustJourney(t, "Newcomers")
	a := env.mustStage(t, j.ID, "Contacted")
	b := env.mustStage(t, j.ID, "Integrated")
	entry := env.stages(t, j.ID)[0]

	if err := env.Engine.ReorderStages(env.Ctx, env.Org, j.ID, []string{entry.ID, b.ID, a.ID}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	stages := env.stages(t, j.ID)
	if stages[1].ID != b.ID || stages[2].ID != a.ID {
		t.Fatalf("reorder not applied: %s, %s", stages[1].Title, stages[2].Title)
	}

	// Displacing the entry stage is ignored, not an error.
	if err := env.Engine.ReorderStages(env.Ctx, env.Org, j.ID, []string{b.ID, entry.ID, a.ID}); err != nil {
		t.Fatalf("entry-displacing reorder should be a no-op: %v", err)
	}
	stages = env.stages(t, j.ID)
	if stages[0].ID != entry.ID {
		t.Fatalf("entry stage moved off position 0")
	}

	// An incomplete or unknown id set is rejected.
	err := env.Engine.ReorderStages(env.Ctx, env.Org, j.ID, []string{entry.ID, a.ID})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDeleteStageReassignsAndCompacts(t *testing.T) {
	env := newTestEnv(t)
	j := env.mustJourney(t, "Newcomers")
	a := env.mustStage(t, j.ID, "Contacted")
	b := env.mustStage(t, j.ID, "Integrated")
	entry := env.stages(t, j.ID)[0]

	p := env.mustPerson(t, "Ana", j.ID)
	if _, err := env.Engine.SetStage(env.Ctx, env.Org, p.ID, a.ID); err != nil {
		t.Fatalf("set stage: %v", err)
	}

	if err := env.Engine.DeleteStage(env.Ctx, env.Org, a.ID); err != nil {
		t.Fatalf("delete stage: %v", err)
	}

	got, err := env.Engine.Repo.GetPerson(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("get person: %v", err)
	}
	if got.StageID == nil || *got.StageID != entry.ID {
		t.Fatalf("person must land on entry stage after delete")
	}

	stages := env.stages(t, j.ID)
	if len(stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(stages))
	}
	if stages[0].ID != entry.ID || stages[0].Position != 0 {
		t.Fatalf("entry stage must stay at 0")
	}
	if stages[1].ID != b.ID || stages[1].Position != 1 {
		t.Fatalf("remaining stage must compact to position 1, got %d", stages[1].Position)
	}
}

func TestDeleteEntryStageIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	j := env.mustJourney(t, "Newcomers")
	entry := env.stages(t, j.ID)[0]
	if err := env.Engine.DeleteStage(env.Ctx, env.Org, entry.ID); err != nil {
		t.Fatalf("entry delete should be silent: %v", err)
	}
	if len(env.stages(t, j.ID)) != 1 {
		t.Fatalf("entry stage was deleted")
	}
}

func TestRenameStageIdempotent(t *testing.T) {
	env := newTestEnv(t)
	j := env.mustJourney(t, "Newcomers")
	s := env.mustStage(t, j.ID, "Contacted")
	if err := env.Engine.RenameStage(env.Ctx, env.Org, s.ID, "Welcomed"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := env.Engine.RenameStage(env.Ctx, env.Org, s.ID, "Welcomed"); err != nil {
		t.Fatalf("same-title rename: %v", err)
	}
	got, err := env.Engine.Repo.GetStage(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("get stage: %v", err)
	}
	if got.Title != "Welcomed" {
		t.Fatalf("title = %q", got.Title)
	}
}

func TestCreatePersonLandsOnEntryStage(t *testing.T) {
	env := newTestEnv(t)
	j := env.mustJourney(t, "Newcomers")
	entry := env.stages(t, j.ID)[0]
	p := env.mustPerson(t, "Ana", j.ID)
	if p.StageID == nil || *p.StageID != entry.ID {
		t.Fatalf("new person must start on the entry stage")
	}
	if len(env.history(t, p.ID, domain.ActionPersonCreated)) != 1 {
		t.Fatalf("expected one person_created event")
	}
}

func TestSetStageRecordsHistory(t *testing.T) {
	env := newTestEnv(t)
	j := env.mustJourney(t, "Newcomers")
	a := env.mustStage(t, j.ID, "Contacted")
	p := env.mustPerson(t, "Ana", j.ID)

	moved, err := env.Engine.SetStage(env.Ctx, env.Org, p.ID, a.ID)
	if err != nil {
		t.Fatalf("set stage: %v", err)
	}
	if moved.StageID == nil || *moved.StageID != a.ID {
		t.Fatalf("stage not updated")
	}
	events := env.history(t, p.ID, domain.ActionStageChange)
	if len(events) != 1 {
		t.Fatalf("expected 1 stage_change event, got %d", len(events))
	}
	if events[0].Before != "VISITANTES" || events[0].After != "Contacted" {
		t.Fatalf("event transition %q -> %q", events[0].Before, events[0].After)
	}
	if events[0].ActorID != "tester" {
		t.Fatalf("event actor = %q", events[0].ActorID)
	}
}

func TestSetStageRejectsForeignStage(t *testing.T) {
	env := newTestEnv(t)
	j1 := env.mustJourney(t, "Newcomers")
	j2 := env.mustJourney(t, "Volunteers")
	foreign := env.mustStage(t, j2.ID, "Training")
	p := env.mustPerson(t, "Ana", j1.ID)

	_, err := env.Engine.SetStage(env.Ctx, env.Org, p.ID, foreign.ID)
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	got, _ := env.Engine.Repo.GetPerson(env.Ctx, p.ID)
	entry := env.stages(t, j1.ID)[0]
	if got.StageID == nil || *got.StageID != entry.ID {
		t.Fatalf("failed move must leave the person in place")
	}
	if len(env.history(t, p.ID, domain.ActionStageChange)) != 0 {
		t.Fatalf("failed move must not record history")
	}
}

func TestSetJourneyResetsToEntryStage(t *testing.T) {
	env := newTestEnv(t)
	j1 := env.mustJourney(t, "Newcomers")
	j2 := env.mustJourney(t, "Volunteers")
	mid := env.mustStage(t, j1.ID, "Contacted")
	p := env.mustPerson(t, "Ana", j1.ID)
	if _, err := env.Engine.SetStage(env.Ctx, env.Org, p.ID, mid.ID); err != nil {
		t.Fatalf("set stage: %v", err)
	}

	moved, err := env.Engine.SetJourney(env.Ctx, env.Org, p.ID, j2.ID)
	if err != nil {
		t.Fatalf("set journey: %v", err)
	}
	entry2 := env.stages(t, j2.ID)[0]
	if moved.JourneyID == nil || *moved.JourneyID != j2.ID {
		t.Fatalf("journey not updated")
	}
	if moved.StageID == nil || *moved.StageID != entry2.ID {
		t.Fatalf("journey change must reset to the new entry stage")
	}
	events := env.history(t, p.ID, domain.ActionJourneyChange)
	if len(events) != 1 {
		t.Fatalf("expected 1 journey_change event, got %d", len(events))
	}
	if events[0].Before != "Newcomers" || events[0].After != "Volunteers" {
		t.Fatalf("event transition %q -> %q", events[0].Before, events[0].After)
	}
}

func TestArchiveHidesFromBoard(t *testing.T) {
	env := newTestEnv(t)
	j := env.mustJourney(t, "Newcomers")
	entry := env.stages(t, j.ID)[0]
	p := env.mustPerson(t, "Ana", j.ID)

	if err := env.Engine.SetArchived(env.Ctx, env.Org, p.ID, true); err != nil {
		t.Fatalf("archive: %v", err)
	}
	view, err := env.Engine.Board(env.Ctx, env.Org, j.ID)
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	if len(view.PeopleByStage[entry.ID]) != 0 {
		t.Fatalf("archived person still on board")
	}
	// Archiving twice is a no-op; only one event is recorded.
	if err := env.Engine.SetArchived(env.Ctx, env.Org, p.ID, true); err != nil {
		t.Fatalf("repeat archive: %v", err)
	}
	if n := len(env.history(t, p.ID, domain.ActionArchived)); n != 1 {
		t.Fatalf("expected 1 archived event, got %d", n)
	}

	if err := env.Engine.SetArchived(env.Ctx, env.Org, p.ID, false); err != nil {
		t.Fatalf("restore: %v", err)
	}
	view, _ = env.Engine.Board(env.Ctx, env.Org, j.ID)
	if len(view.PeopleByStage[entry.ID]) != 1 {
		t.Fatalf("restored person missing from board")
	}
	got, _ := env.Engine.Repo.GetPerson(env.Ctx, p.ID)
	if got.StageID == nil || *got.StageID != entry.ID {
		t.Fatalf("archive cycle must not touch stage membership")
	}
}

func TestDeleteJourneyDetachesPeopleAndKeepsHistory(t *testing.T) {
	env := newTestEnv(t)
	j := env.mustJourney(t, "Newcomers")
	p := env.mustPerson(t, "Ana", j.ID)

	if err := env.Engine.DeleteJourney(env.Ctx, env.Org, j.ID); err != nil {
		t.Fatalf("delete journey: %v", err)
	}
	if _, err := env.Engine.Repo.GetJourney(env.Ctx, j.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("journey should be gone, got %v", err)
	}
	got, err := env.Engine.Repo.GetPerson(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("get person: %v", err)
	}
	if got.JourneyID != nil || got.StageID != nil {
		t.Fatalf("person must be detached after journey delete")
	}
	if len(env.history(t, p.ID, domain.ActionPersonCreated)) != 1 {
		t.Fatalf("history must survive journey deletion")
	}
}

func TestTenantIsolation(t *testing.T) {
	env := newTestEnv(t)
	j := env.mustJourney(t, "Newcomers")
	other := domain.OrgContext{OrgID: "org-2", ActorID: "intruder"}
	if _, err := env.Engine.Repo.GetJourney(env.Ctx, j.ID); err != nil {
		t.Fatalf("journey must exist: %v", err)
	}
	if err := env.Engine.DeleteJourney(env.Ctx, other, j.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("cross-org access must look like not found, got %v", err)
	}
}

func TestBoardGroupsByEffectiveStage(t *testing.T) {
	env := newTestEnv(t)
	j := env.mustJourney(t, "Newcomers")
	a := env.mustStage(t, j.ID, "Contacted")
	entry := env.stages(t, j.ID)[0]
	ana := env.mustPerson(t, "Ana", j.ID)
	bea := env.mustPerson(t, "Bea", j.ID)
	if _, err := env.Engine.SetStage(env.Ctx, env.Org, bea.ID, a.ID); err != nil {
		t.Fatalf("set stage: %v", err)
	}

	view, err := env.Engine.Board(env.Ctx, env.Org, j.ID)
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	if len(view.PeopleByStage[entry.ID]) != 1 || view.PeopleByStage[entry.ID][0].ID != ana.ID {
		t.Fatalf("entry column wrong")
	}
	if len(view.PeopleByStage[a.ID]) != 1 || view.PeopleByStage[a.ID][0].ID != bea.ID {
		t.Fatalf("contacted column wrong")
	}
}

func TestNullStageResolvesToEntryStage(t *testing.T) {
	env := newTestEnv(t)
	j := env.mustJourney(t, "Newcomers")
	env.mustStage(t, j.ID, "Contacted")
	entry := env.stages(t, j.ID)[0]
	p := env.mustPerson(t, "Ana", j.ID)

	// Rows written before stage normalization carry a null stage_id; reads
	// must resolve them to the entry stage.
	if _, err := env.Conn.ExecContext(env.Ctx, `UPDATE people SET stage_id=NULL WHERE id=?`, p.ID); err != nil {
		t.Fatalf("null out stage: %v", err)
	}

	stored, err := env.Engine.Repo.GetPerson(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("get person: %v", err)
	}
	if stored.StageID != nil {
		t.Fatalf("fixture must have a null stage_id")
	}
	resolved, ok := domain.EffectiveStage(stored, env.stages(t, j.ID))
	if !ok || resolved.ID != entry.ID {
		t.Fatalf("null stage_id must resolve to the entry stage, got %v", resolved.Title)
	}

	view, err := env.Engine.Board(env.Ctx, env.Org, j.ID)
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	if len(view.PeopleByStage[entry.ID]) != 1 || view.PeopleByStage[entry.ID][0].ID != p.ID {
		t.Fatalf("person with null stage missing from entry column")
	}
}

func TestWhoAmIListsSeededOwner(t *testing.T) {
	env := newTestEnv(t)
	who, err := env.Engine.WhoAmI(env.Ctx, env.Org, "tester")
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	foundRole := false
	for _, r := range who.Roles {
		if r == "owner" {
			foundRole = true
		}
	}
	if !foundRole {
		t.Fatalf("seeded actor should hold owner, got %v", who.Roles)
	}
	foundPerm := false
	for _, p := range who.Permissions {
		if p == "structure.edit" {
			foundPerm = true
		}
	}
	if !foundPerm {
		t.Fatalf("owner should carry structure.edit, got %v", who.Permissions)
	}
}
