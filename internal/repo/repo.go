package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"flockline/internal/config"
	"flockline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- organizations ---

func (r Repo) EnsureOrg(ctx context.Context, tx *sql.Tx, orgID, name, now string) error {
	if name == "" {
		name = orgID
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO organizations(id, name, created_at) VALUES (?,?,?)`, orgID, name, now)
	return err
}

func (r Repo) GetOrg(ctx context.Context, id string) (domain.Organization, error) {
	var o domain.Organization
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM organizations WHERE id=?`, id).
		Scan(&o.ID, &o.Name, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) ListOrgs(ctx context.Context) ([]domain.Organization, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM organizations ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Organization
	for rows.Next() {
		var o domain.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// --- org config ---

func (r Repo) UpsertOrgConfig(ctx context.Context, orgID string, cfg *config.Config) error {
	return upsertOrgConfig(ctx, r.DB, nil, orgID, cfg)
}

func (r Repo) UpsertOrgConfigTx(ctx context.Context, tx *sql.Tx, orgID string, cfg *config.Config) error {
	return upsertOrgConfig(ctx, nil, tx, orgID, cfg)
}

func upsertOrgConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, orgID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Org.ID = orgID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO org_configs(org_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(org_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, orgID, string(payload), now, now)
	return err
}

func (r Repo) GetOrgConfig(ctx context.Context, orgID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM org_configs WHERE org_id=?`, orgID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Org.ID == "" {
		cfg.Org.ID = orgID
	}
	return &cfg, cfg.Validate()
}

// --- journeys ---

func (r Repo) InsertJourneyTx(ctx context.Context, tx *sql.Tx, j domain.Journey) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO journeys(id,org_id,title,description,created_at) VALUES (?,?,?,?,?)`,
		j.ID, j.OrgID, j.Title, nullable(j.Description), j.CreatedAt)
	return err
}

func (r Repo) GetJourney(ctx context.Context, id string) (domain.Journey, error) {
	var j domain.Journey
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,title,description,created_at FROM journeys WHERE id=?`, id).
		Scan(&j.ID, &j.OrgID, &j.Title, &desc, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if desc.Valid {
		j.Description = desc.String
	}
	return j, err
}

// ListJourneys returns an org's journeys ordered by creation time ascending.
func (r Repo) ListJourneys(ctx context.Context, orgID string) ([]domain.Journey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,title,COALESCE(description,'') AS description,created_at FROM journeys WHERE org_id=? ORDER BY created_at ASC, id ASC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Journey
	for rows.Next() {
		var j domain.Journey
		if err := rows.Scan(&j.ID, &j.OrgID, &j.Title, &j.Description, &j.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func (r Repo) DeleteJourneyTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM journeys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- stages ---

func (r Repo) InsertStageTx(ctx context.Context, tx *sql.Tx, s domain.Stage) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stages(id,journey_id,org_id,title,position,created_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.JourneyID, s.OrgID, s.Title, s.Position, s.CreatedAt)
	return err
}

func (r Repo) GetStage(ctx context.Context, id string) (domain.Stage, error) {
	var s domain.Stage
	err := r.DB.QueryRowContext(ctx, `SELECT id,journey_id,org_id,title,position,created_at FROM stages WHERE id=?`, id).
		Scan(&s.ID, &s.JourneyID, &s.OrgID, &s.Title, &s.Position, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// ListStages returns a journey's stages ordered by position ascending.
func (r Repo) ListStages(ctx context.Context, journeyID string) ([]domain.Stage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,journey_id,org_id,title,position,created_at FROM stages WHERE journey_id=? ORDER BY position ASC`, journeyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		var s domain.Stage
		if err := rows.Scan(&s.ID, &s.JourneyID, &s.OrgID, &s.Title, &s.Position, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) CountStages(ctx context.Context, journeyID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM stages WHERE journey_id=?`, journeyID).Scan(&n)
	return n, err
}

func (r Repo) UpdateStageTitleTx(ctx context.Context, tx *sql.Tx, id, title string) error {
	res, err := tx.ExecContext(ctx, `UPDATE stages SET title=? WHERE id=?`, title, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RewriteStagePositions persists a full positional rewrite for one journey.
// SQLite enforces UNIQUE(journey_id, position), so positions move through a
// disjoint range first.
func (r Repo) RewriteStagePositions(ctx context.Context, tx *sql.Tx, journeyID string, ordered []domain.Stage) error {
	for i, s := range ordered {
		if _, err := tx.ExecContext(ctx, `UPDATE stages SET position=? WHERE id=? AND journey_id=?`, -(i + 1), s.ID, journeyID); err != nil {
			return err
		}
	}
	for i, s := range ordered {
		if _, err := tx.ExecContext(ctx, `UPDATE stages SET position=? WHERE id=? AND journey_id=?`, i, s.ID, journeyID); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) DeleteStageTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM stages WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteJourneyStagesTx(ctx context.Context, tx *sql.Tx, journeyID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM stages WHERE journey_id=?`, journeyID)
	return err
}

// --- people ---

func scanPerson(scan func(dest ...any) error) (domain.Person, error) {
	var p domain.Person
	var journeyID, stageID sql.NullString
	var archived int
	err := scan(&p.ID, &p.OrgID, &p.Name, &journeyID, &stageID, &archived, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if journeyID.Valid {
		p.JourneyID = &journeyID.String
	}
	if stageID.Valid {
		p.StageID = &stageID.String
	}
	p.Archived = archived != 0
	return p, nil
}

const personCols = `id,org_id,name,journey_id,stage_id,archived,created_at,updated_at`

func (r Repo) InsertPersonTx(ctx context.Context, tx *sql.Tx, p domain.Person) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO people(`+personCols+`) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.OrgID, p.Name, nullableStringPtr(p.JourneyID), nullableStringPtr(p.StageID), boolToInt(p.Archived), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPerson(ctx context.Context, id string) (domain.Person, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+personCols+` FROM people WHERE id=?`, id)
	return scanPerson(row.Scan)
}

type PersonFilters struct {
	OrgID           string
	JourneyID       string
	StageID         string
	IncludeArchived bool
	Limit           int
}

func (r Repo) ListPeople(ctx context.Context, f PersonFilters) ([]domain.Person, error) {
	clauses := []string{"org_id=?"}
	args := []any{f.OrgID}
	if f.JourneyID != "" {
		clauses = append(clauses, "journey_id=?")
		args = append(args, f.JourneyID)
	}
	if f.StageID != "" {
		clauses = append(clauses, "stage_id=?")
		args = append(args, f.StageID)
	}
	if !f.IncludeArchived {
		clauses = append(clauses, "archived=0")
	}
	query := `SELECT ` + personCols + ` FROM people WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Person
	for rows.Next() {
		p, err := scanPerson(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdatePersonStageTx(ctx context.Context, tx *sql.Tx, personID string, stageID *string, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE people SET stage_id=?, updated_at=? WHERE id=?`,
		nullableStringPtr(stageID), now, personID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePersonJourneyTx writes journey_id and stage_id in one statement so a
// journey change is never observable half-applied.
func (r Repo) UpdatePersonJourneyTx(ctx context.Context, tx *sql.Tx, personID string, journeyID, stageID *string, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE people SET journey_id=?, stage_id=?, updated_at=? WHERE id=?`,
		nullableStringPtr(journeyID), nullableStringPtr(stageID), now, personID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReassignStageMembersTx moves every person on fromStage to toStage.
func (r Repo) ReassignStageMembersTx(ctx context.Context, tx *sql.Tx, fromStageID, toStageID, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE people SET stage_id=?, updated_at=? WHERE stage_id=?`, toStageID, now, fromStageID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DetachJourneyMembersTx clears journey and stage for everyone on a journey.
func (r Repo) DetachJourneyMembersTx(ctx context.Context, tx *sql.Tx, journeyID, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE people SET journey_id=NULL, stage_id=NULL, updated_at=? WHERE journey_id=?`, now, journeyID)
	return err
}

func (r Repo) SetPersonArchivedTx(ctx context.Context, tx *sql.Tx, personID string, archived bool, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE people SET archived=?, updated_at=? WHERE id=?`, boolToInt(archived), now, personID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountPeopleByStage returns active (non-archived) membership counts per stage.
func (r Repo) CountPeopleByStage(ctx context.Context, orgID, journeyID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT COALESCE(stage_id,''), count(*) FROM people WHERE org_id=? AND journey_id=? AND archived=0 GROUP BY stage_id`, orgID, journeyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var stageID string
		var count int
		if err := rows.Scan(&stageID, &count); err != nil {
			return nil, err
		}
		res[stageID] = count
	}
	return res, rows.Err()
}

// --- history ---

type HistoryFilters struct {
	OrgID    string
	PersonID string
	Action   string
	Limit    int
	Cursor   int64
}

func (r Repo) ListHistory(ctx context.Context, f HistoryFilters) ([]domain.HistoryEvent, error) {
	clauses := []string{"org_id=?"}
	args := []any{f.OrgID}
	if f.PersonID != "" {
		clauses = append(clauses, "person_id=?")
		args = append(args, f.PersonID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,person_id,org_id,action,description,before_value,after_value,actor_id,created_at FROM history_events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEvent
	for rows.Next() {
		ev, err := scanHistory(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// HistoryAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) HistoryAfter(ctx context.Context, orgID string, cursor int64, limit int) ([]domain.HistoryEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,person_id,org_id,action,description,before_value,after_value,actor_id,created_at FROM history_events WHERE org_id=? AND id>? ORDER BY id ASC LIMIT ?`,
		orgID, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEvent
	for rows.Next() {
		ev, err := scanHistory(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// LatestHistoryID returns the most recent history event ID for an org.
func (r Repo) LatestHistoryID(ctx context.Context, orgID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM history_events WHERE org_id=?`, orgID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func scanHistory(scan func(dest ...any) error) (domain.HistoryEvent, error) {
	var ev domain.HistoryEvent
	var personID, description, before, after sql.NullString
	err := scan(&ev.ID, &personID, &ev.OrgID, &ev.Action, &description, &before, &after, &ev.ActorID, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	if err != nil {
		return ev, err
	}
	if personID.Valid {
		ev.PersonID = personID.String
	}
	if description.Valid {
		ev.Description = description.String
	}
	if before.Valid {
		ev.Before = before.String
	}
	if after.Valid {
		ev.After = after.String
	}
	return ev, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
