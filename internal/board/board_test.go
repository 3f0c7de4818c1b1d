package board_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"flockline/internal/app"
	"flockline/internal/board"
	"flockline/internal/db"
	"flockline/internal/domain"
	"flockline/internal/engine"
	"flockline/internal/migrate"
	"flockline/internal/repo"
)

type boardEnv struct {
	Board   *board.Board
	Engine  engine.Engine
	Org     domain.OrgContext
	Ctx     context.Context
	Conn    *sql.DB
	Journey domain.Journey
	Entry   domain.Stage
	Mid     domain.Stage
	Person  domain.Person
}

func newBoardEnv(t *testing.T) boardEnv {
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
	org := domain.OrgContext{OrgID: orgID, ActorID: "tester"}

	j, err := eng.CreateJourney(ctx, org, "Newcomers", "")
	if err != nil {
		t.Fatalf("create journey: %v", err)
	}
	mid, err := eng.AddStage(ctx, org, j.ID, "Contacted")
	if err != nil {
		t.Fatalf("add stage: %v", err)
	}
	stages, err := eng.Repo.ListStages(ctx, j.ID)
	if err != nil {
		t.Fatalf("list stages: %v", err)
	}
	p, err := eng.CreatePerson(ctx, org, "Ana", j.ID)
	if err != nil {
		t.Fatalf("create person: %v", err)
	}

	b := board.New(eng, org)
	if err := b.Load(ctx, j.ID); err != nil {
		t.Fatalf("load board: %v", err)
	}
	return boardEnv{
		Board:   b,
		Engine:  eng,
		Org:     org,
		Ctx:     ctx,
		Conn:    conn,
		Journey: j,
		Entry:   stages[0],
		Mid:     mid,
		Person:  p,
	}
}

func column(t *testing.T, b *board.Board, stageID string) []domain.Person {
	t.Helper()
	return b.View().PeopleByStage[stageID]
}

func TestDragOverIsIdempotent(t *testing.T) {
	env := newBoardEnv(t)
	if err := env.Board.DragStart(board.CardPayload{PersonID: env.Person.ID}); err != nil {
		t.Fatalf("drag start: %v", err)
	}
	env.Board.DragOver(env.Mid.ID)
	env.Board.DragOver(env.Mid.ID)
	env.Board.DragOver(env.Mid.ID)

	if got := column(t, env.Board, env.Mid.ID); len(got) != 1 {
		t.Fatalf("person duplicated by repeated hover: %d copies", len(got))
	}
	if got := column(t, env.Board, env.Entry.ID); len(got) != 0 {
		t.Fatalf("person still in origin column")
	}
}

func TestDragEndCommitsExactlyOnce(t *testing.T) {
	env := newBoardEnv(t)
	if err := env.Board.DragStart(board.CardPayload{PersonID: env.Person.ID}); err != nil {
		t.Fatalf("drag start: %v", err)
	}
	env.Board.DragOver(env.Mid.ID)
	if err := env.Board.DragEnd(env.Ctx); err != nil {
		t.Fatalf("drag end: %v", err)
	}

	got, err := env.Engine.Repo.GetPerson(env.Ctx, env.Person.ID)
	if err != nil {
		t.Fatalf("get person: %v", err)
	}
	if got.StageID == nil || *got.StageID != env.Mid.ID {
		t.Fatalf("move not committed")
	}

	events, err := env.Engine.Repo.ListHistory(env.Ctx, repo.HistoryFilters{
		OrgID:    env.Org.OrgID,
		PersonID: env.Person.ID,
		Action:   domain.ActionStageChange,
	})
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("one gesture must yield one commit, got %d events", len(events))
	}

	// The gesture is closed; a second end commits nothing.
	if err := env.Board.DragEnd(env.Ctx); !errors.Is(err, board.ErrNoDrag) {
		t.Fatalf("second drag end: %v", err)
	}
}

func TestCancelRestoresSnapshot(t *testing.T) {
	env := newBoardEnv(t)
	if err := env.Board.DragStart(board.CardPayload{PersonID: env.Person.ID}); err != nil {
		t.Fatalf("drag start: %v", err)
	}
	env.Board.DragOver(env.Mid.ID)
	env.Board.Cancel()

	if got := column(t, env.Board, env.Entry.ID); len(got) != 1 {
		t.Fatalf("cancel must restore the person to the origin column")
	}
	stored, err := env.Engine.Repo.GetPerson(env.Ctx, env.Person.ID)
	if err != nil {
		t.Fatalf("get person: %v", err)
	}
	if stored.StageID == nil || *stored.StageID != env.Entry.ID {
		t.Fatalf("cancel must not touch the store")
	}
	events, _ := env.Engine.Repo.ListHistory(env.Ctx, repo.HistoryFilters{
		OrgID:    env.Org.OrgID,
		PersonID: env.Person.ID,
		Action:   domain.ActionStageChange,
	})
	if len(events) != 0 {
		t.Fatalf("cancel must not record history")
	}
}

func TestDropOnOriginCommitsNothing(t *testing.T) {
	env := newBoardEnv(t)
	if err := env.Board.DragStart(board.CardPayload{PersonID: env.Person.ID}); err != nil {
		t.Fatalf("drag start: %v", err)
	}
	env.Board.DragOver(env.Mid.ID)
	env.Board.DragOver(env.Entry.ID)
	if err := env.Board.DragEnd(env.Ctx); err != nil {
		t.Fatalf("drag end: %v", err)
	}
	events, _ := env.Engine.Repo.ListHistory(env.Ctx, repo.HistoryFilters{
		OrgID:    env.Org.OrgID,
		PersonID: env.Person.ID,
		Action:   domain.ActionStageChange,
	})
	if len(events) != 0 {
		t.Fatalf("round trip back to origin must not commit")
	}
}

func TestColumnDragReorders(t *testing.T) {
	env := newBoardEnv(t)
	far, err := env.Engine.AddStage(env.Ctx, env.Org, env.Journey.ID, "Integrated")
	if err != nil {
		t.Fatalf("add stage: %v", err)
	}
	if err := env.Board.Load(env.Ctx, env.Journey.ID); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if err := env.Board.DragStart(board.ColumnPayload{StageID: far.ID}); err != nil {
		t.Fatalf("drag start: %v", err)
	}
	env.Board.DragOver(env.Mid.ID)
	if err := env.Board.DragEnd(env.Ctx); err != nil {
		t.Fatalf("drag end: %v", err)
	}

	stages, err := env.Engine.Repo.ListStages(env.Ctx, env.Journey.ID)
	if err != nil {
		t.Fatalf("list stages: %v", err)
	}
	if stages[0].ID != env.Entry.ID {
		t.Fatalf("entry stage must stay first")
	}
	if stages[1].ID != far.ID || stages[2].ID != env.Mid.ID {
		t.Fatalf("column reorder not committed: %s, %s", stages[1].Title, stages[2].Title)
	}
}

func TestEntryColumnDragIsIgnored(t *testing.T) {
	env := newBoardEnv(t)
	if err := env.Board.DragStart(board.ColumnPayload{StageID: env.Entry.ID}); err != nil {
		t.Fatalf("entry column drag start should be silent: %v", err)
	}
	if env.Board.Dragging() {
		t.Fatalf("entry column must not open a gesture")
	}
	if err := env.Board.DragEnd(env.Ctx); !errors.Is(err, board.ErrNoDrag) {
		t.Fatalf("expected no gesture, got %v", err)
	}
}

func TestFailedCommitRestoresSnapshot(t *testing.T) {
	env := newBoardEnv(t)
	if err := env.Board.DragStart(board.CardPayload{PersonID: env.Person.ID}); err != nil {
		t.Fatalf("drag start: %v", err)
	}
	env.Board.DragOver(env.Mid.ID)

	// Sever the store so the commit fails mid-gesture.
	env.Conn.Close()
	if err := env.Board.DragEnd(env.Ctx); err == nil {
		t.Fatalf("expected commit failure")
	}
	if got := column(t, env.Board, env.Entry.ID); len(got) != 1 {
		t.Fatalf("failed commit must roll the view back to the snapshot")
	}
	if got := column(t, env.Board, env.Mid.ID); len(got) != 0 {
		t.Fatalf("optimistic move survived a failed commit")
	}
}
