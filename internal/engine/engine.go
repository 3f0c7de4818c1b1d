package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"flockline/internal/config"
	"flockline/internal/domain"
	"flockline/internal/history"
	"flockline/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	History history.Recorder
	Config  *config.Config
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		History: history.Writer{},
		Config:  cfg,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// getJourney loads a journey and enforces tenant isolation.
func (e Engine) getJourney(ctx context.Context, org domain.OrgContext, journeyID string) (domain.Journey, error) {
	j, err := e.Repo.GetJourney(ctx, journeyID)
	if err != nil {
		return j, err
	}
	if j.OrgID != org.OrgID {
		return domain.Journey{}, repo.ErrNotFound
	}
	return j, nil
}

func (e Engine) getStage(ctx context.Context, org domain.OrgContext, stageID string) (domain.Stage, error) {
	s, err := e.Repo.GetStage(ctx, stageID)
	if err != nil {
		return s, err
	}
	if s.OrgID != org.OrgID {
		return domain.Stage{}, repo.ErrNotFound
	}
	return s, nil
}

func (e Engine) getPerson(ctx context.Context, org domain.OrgContext, personID string) (domain.Person, error) {
	p, err := e.Repo.GetPerson(ctx, personID)
	if err != nil {
		return p, err
	}
	if p.OrgID != org.OrgID {
		return domain.Person{}, repo.ErrNotFound
	}
	return p, nil
}

// entryStage returns the position-0 stage of a journey.
func (e Engine) entryStage(ctx context.Context, journeyID string) (domain.Stage, error) {
	stages, err := e.Repo.ListStages(ctx, journeyID)
	if err != nil {
		return domain.Stage{}, err
	}
	for _, s := range stages {
		if s.IsEntry() {
			return s, nil
		}
	}
	return domain.Stage{}, repo.ErrNotFound
}

// CreateJourney inserts a journey and its entry stage in one transaction.
func (e Engine) CreateJourney(ctx context.Context, org domain.OrgContext, title, description string) (domain.Journey, error) {
	if err := requireTitle("title", title); err != nil {
		return domain.Journey{}, err
	}
	now := e.nowStr()
	j := domain.Journey{
		ID:          uuid.New().String(),
		OrgID:       org.OrgID,
		Title:       strings.TrimSpace(title),
		Description: description,
		CreatedAt:   now,
	}
	entry := domain.Stage{
		ID:        uuid.New().String(),
		JourneyID: j.ID,
		OrgID:     org.OrgID,
		Title:     e.Config.EntryStageTitle(),
		Position:  0,
		CreatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Journey{}, remoteErr("create journey", err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertJourneyTx(ctx, tx, j); err != nil {
		return domain.Journey{}, remoteErr("insert journey", err)
	}
	if err := e.Repo.InsertStageTx(ctx, tx, entry); err != nil {
		return domain.Journey{}, remoteErr("insert entry stage", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Journey{}, remoteErr("create journey", err)
	}
	return j, nil
}

// DeleteJourney removes a journey, its stages, and detaches its members.
// History events for those people are retained.
func (e Engine) DeleteJourney(ctx context.Context, org domain.OrgContext, journeyID string) error {
	if _, err := e.getJourney(ctx, org, journeyID); err != nil {
		return err
	}
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return remoteErr("delete journey", err)
	}
	defer tx.Rollback()
	if err := e.Repo.DetachJourneyMembersTx(ctx, tx, journeyID, now); err != nil {
		return remoteErr("detach members", err)
	}
	if err := e.Repo.DeleteJourneyStagesTx(ctx, tx, journeyID); err != nil {
		return remoteErr("delete stages", err)
	}
	if err := e.Repo.DeleteJourneyTx(ctx, tx, journeyID); err != nil {
		return remoteErr("delete journey", err)
	}
	if err := tx.Commit(); err != nil {
		return remoteErr("delete journey", err)
	}
	return nil
}

// AddStage appends a stage at the end of the journey's sequence.
func (e Engine) AddStage(ctx context.Context, org domain.OrgContext, journeyID, title string) (domain.Stage, error) {
	if err := requireTitle("title", title); err != nil {
		return domain.Stage{}, err
	}
	if _, err := e.getJourney(ctx, org, journeyID); err != nil {
		return domain.Stage{}, err
	}
	count, err := e.Repo.CountStages(ctx, journeyID)
	if err != nil {
		return domain.Stage{}, remoteErr("count stages", err)
	}
	s := domain.Stage{
		ID:        uuid.New().String(),
		JourneyID: journeyID,
		OrgID:     org.OrgID,
		Title:     strings.TrimSpace(title),
		Position:  count,
		CreatedAt: e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stage{}, remoteErr("add stage", err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertStageTx(ctx, tx, s); err != nil {
		return domain.Stage{}, remoteErr("insert stage", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Stage{}, remoteErr("add stage", err)
	}
	return s, nil
}

// RenameStage updates a stage title in place.
func (e Engine) RenameStage(ctx context.Context, org domain.OrgContext, stageID, title string) error {
	if err := requireTitle("title", title); err != nil {
		return err
	}
	s, err := e.getStage(ctx, org, stageID)
	if err != nil {
		return err
	}
	title = strings.TrimSpace(title)
	if title == s.Title {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return remoteErr("rename stage", err)
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateStageTitleTx(ctx, tx, stageID, title); err != nil {
		return remoteErr("rename stage", err)
	}
	if err := tx.Commit(); err != nil {
		return remoteErr("rename stage", err)
	}
	return nil
}

// ReorderStages persists a full positional rewrite for a journey. A reorder
// that would displace the entry stage from position 0 is silently ignored.
func (e Engine) ReorderStages(ctx context.Context, org domain.OrgContext, journeyID string, orderedIDs []string) error {
	if _, err := e.getJourney(ctx, org, journeyID); err != nil {
		return err
	}
	stages, err := e.Repo.ListStages(ctx, journeyID)
	if err != nil {
		return remoteErr("list stages", err)
	}
	byID := make(map[string]domain.Stage, len(stages))
	for _, s := range stages {
		byID[s.ID] = s
	}
	if len(orderedIDs) != len(stages) {
		return ValidationError{Field: "order", Reason: "must include every stage exactly once"}
	}
	ordered := make([]domain.Stage, 0, len(orderedIDs))
	for _, id := range orderedIDs {
		s, ok := byID[id]
		if !ok {
			return ValidationError{Field: "order", Reason: "references unknown stage"}
		}
		ordered = append(ordered, s)
		delete(byID, id)
	}
	// Entry stage must stay first; mirror the board's "don't move the first
	// column" guard by ignoring the request rather than failing it.
	if !ordered[0].IsEntry() {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return remoteErr("reorder stages", err)
	}
	defer tx.Rollback()
	if err := e.Repo.RewriteStagePositions(ctx, tx, journeyID, ordered); err != nil {
		return remoteErr("reorder stages", err)
	}
	if err := tx.Commit(); err != nil {
		return remoteErr("reorder stages", err)
	}
	return nil
}

// DeleteStage removes a non-entry stage after cascading its members to the
// journey's entry stage. Remaining positions are compacted to 0..N-1.
// Deleting the entry stage is a no-op.
func (e Engine) DeleteStage(ctx context.Context, org domain.OrgContext, stageID string) error {
	s, err := e.getStage(ctx, org, stageID)
	if err != nil {
		return err
	}
	if s.IsEntry() {
		return nil
	}
	stages, err := e.Repo.ListStages(ctx, s.JourneyID)
	if err != nil {
		return remoteErr("list stages", err)
	}
	var entry domain.Stage
	remaining := make([]domain.Stage, 0, len(stages)-1)
	for _, st := range stages {
		if st.ID == stageID {
			continue
		}
		if st.IsEntry() {
			entry = st
		}
		remaining = append(remaining, st)
	}
	if entry.ID == "" {
		return remoteErr("delete stage", errors.New("journey has no entry stage"))
	}
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return remoteErr("delete stage", err)
	}
	defer tx.Rollback()
	// Reassign before delete; a stage must never disappear while people
	// still reference it.
	if _, err := e.Repo.ReassignStageMembersTx(ctx, tx, stageID, entry.ID, now); err != nil {
		return remoteErr("reassign members", err)
	}
	if err := e.Repo.DeleteStageTx(ctx, tx, stageID); err != nil {
		return remoteErr("delete stage", err)
	}
	if err := e.Repo.RewriteStagePositions(ctx, tx, s.JourneyID, remaining); err != nil {
		return remoteErr("compact positions", err)
	}
	if err := tx.Commit(); err != nil {
		return remoteErr("delete stage", err)
	}
	return nil
}

// CreatePerson adds a person to a journey, normalized onto its entry stage.
// An empty journeyID creates the person outside any pipeline.
func (e Engine) CreatePerson(ctx context.Context, org domain.OrgContext, name, journeyID string) (domain.Person, error) {
	if err := requireTitle("name", name); err != nil {
		return domain.Person{}, err
	}
	now := e.nowStr()
	p := domain.Person{
		ID:        uuid.New().String(),
		OrgID:     org.OrgID,
		Name:      strings.TrimSpace(name),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if journeyID != "" {
		j, err := e.getJourney(ctx, org, journeyID)
		if err != nil {
			return domain.Person{}, err
		}
		entry, err := e.entryStage(ctx, j.ID)
		if err != nil {
			return domain.Person{}, remoteErr("resolve entry stage", err)
		}
		p.JourneyID = &j.ID
		p.StageID = &entry.ID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Person{}, remoteErr("create person", err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPersonTx(ctx, tx, p); err != nil {
		return domain.Person{}, remoteErr("insert person", err)
	}
	if err := e.History.Append(ctx, tx, org, history.Entry{
		PersonID:    p.ID,
		Action:      domain.ActionPersonCreated,
		Description: p.Name,
	}); err != nil {
		return domain.Person{}, remoteErr("append history", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Person{}, remoteErr("create person", err)
	}
	return p, nil
}

// SetStage moves a person to another stage of their current journey and
// records one stage_change event.
func (e Engine) SetStage(ctx context.Context, org domain.OrgContext, personID, stageID string) (domain.Person, error) {
	p, err := e.getPerson(ctx, org, personID)
	if err != nil {
		return p, err
	}
	if p.JourneyID == nil {
		return p, ValidationError{Field: "person", Reason: "is not on a journey"}
	}
	target, err := e.getStage(ctx, org, stageID)
	if err != nil {
		return p, err
	}
	if target.JourneyID != *p.JourneyID {
		return p, ValidationError{Field: "stage", Reason: "belongs to a different journey"}
	}
	stages, err := e.Repo.ListStages(ctx, *p.JourneyID)
	if err != nil {
		return p, remoteErr("list stages", err)
	}
	oldTitle := ""
	if old, ok := domain.EffectiveStage(p, stages); ok {
		oldTitle = old.Title
	}
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, remoteErr("set stage", err)
	}
	defer tx.Rollback()
	if err := e.Repo.UpdatePersonStageTx(ctx, tx, p.ID, &target.ID, now); err != nil {
		return p, remoteErr("update stage", err)
	}
	if err := e.History.Append(ctx, tx, org, history.Entry{
		PersonID: p.ID,
		Action:   domain.ActionStageChange,
		Before:   oldTitle,
		After:    target.Title,
	}); err != nil {
		return p, remoteErr("append history", err)
	}
	if err := tx.Commit(); err != nil {
		return p, remoteErr("set stage", err)
	}
	p.StageID = &target.ID
	p.UpdatedAt = now
	return p, nil
}

// SetJourney moves a person to another journey and resets their stage to the
// new journey's entry stage. Both fields are written in one statement so the
// pair is never observable half-applied.
func (e Engine) SetJourney(ctx context.Context, org domain.OrgContext, personID, journeyID string) (domain.Person, error) {
	p, err := e.getPerson(ctx, org, personID)
	if err != nil {
		return p, err
	}
	target, err := e.getJourney(ctx, org, journeyID)
	if err != nil {
		return p, err
	}
	entry, err := e.entryStage(ctx, target.ID)
	if err != nil {
		return p, remoteErr("resolve entry stage", err)
	}
	oldTitle := ""
	if p.JourneyID != nil {
		if old, err := e.Repo.GetJourney(ctx, *p.JourneyID); err == nil {
			oldTitle = old.Title
		}
	}
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, remoteErr("set journey", err)
	}
	defer tx.Rollback()
	if err := e.Repo.UpdatePersonJourneyTx(ctx, tx, p.ID, &target.ID, &entry.ID, now); err != nil {
		return p, remoteErr("update journey", err)
	}
	if err := e.History.Append(ctx, tx, org, history.Entry{
		PersonID: p.ID,
		Action:   domain.ActionJourneyChange,
		Before:   oldTitle,
		After:    target.Title,
	}); err != nil {
		return p, remoteErr("append history", err)
	}
	if err := tx.Commit(); err != nil {
		return p, remoteErr("set journey", err)
	}
	p.JourneyID = &target.ID
	p.StageID = &entry.ID
	p.UpdatedAt = now
	return p, nil
}

// SetArchived flips a person's archived flag. Archiving is orthogonal to
// stage membership; the person keeps journey and stage.
func (e Engine) SetArchived(ctx context.Context, org domain.OrgContext, personID string, archived bool) error {
	p, err := e.getPerson(ctx, org, personID)
	if err != nil {
		return err
	}
	if p.Archived == archived {
		return nil
	}
	action := domain.ActionArchived
	if !archived {
		action = domain.ActionRestored
	}
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return remoteErr("archive person", err)
	}
	defer tx.Rollback()
	if err := e.Repo.SetPersonArchivedTx(ctx, tx, p.ID, archived, now); err != nil {
		return remoteErr("archive person", err)
	}
	if err := e.History.Append(ctx, tx, org, history.Entry{
		PersonID:    p.ID,
		Action:      action,
		Description: p.Name,
	}); err != nil {
		return remoteErr("append history", err)
	}
	if err := tx.Commit(); err != nil {
		return remoteErr("archive person", err)
	}
	return nil
}

// BoardView is the read model the UI renders one journey from.
type BoardView struct {
	Journey       domain.Journey             `json:"journey"`
	Stages        []domain.Stage             `json:"stages"`
	PeopleByStage map[string][]domain.Person `json:"people_by_stage"`
}

// Board groups a journey's active people by effective stage. Archived people
// are excluded from columns and counts but remain in the underlying store.
func (e Engine) Board(ctx context.Context, org domain.OrgContext, journeyID string) (BoardView, error) {
	j, err := e.getJourney(ctx, org, journeyID)
	if err != nil {
		return BoardView{}, err
	}
	stages, err := e.Repo.ListStages(ctx, journeyID)
	if err != nil {
		return BoardView{}, remoteErr("list stages", err)
	}
	people, err := e.Repo.ListPeople(ctx, repo.PersonFilters{OrgID: org.OrgID, JourneyID: journeyID})
	if err != nil {
		return BoardView{}, remoteErr("list people", err)
	}
	view := BoardView{
		Journey:       j,
		Stages:        stages,
		PeopleByStage: make(map[string][]domain.Person, len(stages)),
	}
	for _, s := range stages {
		view.PeopleByStage[s.ID] = []domain.Person{}
	}
	for _, p := range people {
		s, ok := domain.EffectiveStage(p, stages)
		if !ok {
			continue
		}
		view.PeopleByStage[s.ID] = append(view.PeopleByStage[s.ID], p)
	}
	return view, nil
}
