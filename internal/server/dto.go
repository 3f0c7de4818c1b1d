package server

import (
	"flockline/internal/domain"
	"flockline/internal/engine"
)

// Request payloads

type CreateJourneyRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
}

type AddStageRequest struct {
	Title string `json:"title"`
}

type RenameStageRequest struct {
	Title string `json:"title"`
}

type ReorderStagesRequest struct {
	Order []string `json:"order"`
}

type CreatePersonRequest struct {
	Name      string  `json:"name"`
	JourneyID *string `json:"journey_id,omitempty"`
}

type SetStageRequest struct {
	StageID string `json:"stage_id"`
}

type SetJourneyRequest struct {
	JourneyID string `json:"journey_id"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	OrgID       string   `json:"org_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type JourneyResponse struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type StageResponse struct {
	ID        string `json:"id"`
	JourneyID string `json:"journey_id"`
	Title     string `json:"title"`
	Position  int    `json:"position"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type PersonResponse struct {
	ID        string  `json:"id"`
	OrgID     string  `json:"org_id"`
	Name      string  `json:"name"`
	JourneyID *string `json:"journey_id,omitempty"`
	StageID   *string `json:"stage_id,omitempty"`
	Archived  bool    `json:"archived"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

type HistoryEventResponse struct {
	ID          int64  `json:"id"`
	PersonID    string `json:"person_id,omitempty"`
	OrgID       string `json:"org_id"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
	Before      string `json:"before,omitempty"`
	After       string `json:"after,omitempty"`
	ActorID     string `json:"actor_id"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type BoardResponse struct {
	Journey JourneyResponse             `json:"journey"`
	Stages  []StageResponse             `json:"stages"`
	Columns map[string][]PersonResponse `json:"columns"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	OrgID       string   `json:"org_id,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedHistory struct {
	Items      []HistoryEventResponse `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

// Conversion helpers

func journeyResponse(j domain.Journey) JourneyResponse {
	return JourneyResponse(j)
}

func mapJourneys(in []domain.Journey) []JourneyResponse {
	out := make([]JourneyResponse, 0, len(in))
	for _, j := range in {
		out = append(out, journeyResponse(j))
	}
	return out
}

func stageResponse(s domain.Stage) StageResponse {
	return StageResponse{
		ID:        s.ID,
		JourneyID: s.JourneyID,
		Title:     s.Title,
		Position:  s.Position,
		CreatedAt: s.CreatedAt,
	}
}

func mapStages(in []domain.Stage) []StageResponse {
	out := make([]StageResponse, 0, len(in))
	for _, s := range in {
		out = append(out, stageResponse(s))
	}
	return out
}

func personResponse(p domain.Person) PersonResponse {
	return PersonResponse{
		ID:        p.ID,
		OrgID:     p.OrgID,
		Name:      p.Name,
		JourneyID: p.JourneyID,
		StageID:   p.StageID,
		Archived:  p.Archived,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func mapPeople(in []domain.Person) []PersonResponse {
	out := make([]PersonResponse, 0, len(in))
	for _, p := range in {
		out = append(out, personResponse(p))
	}
	return out
}

func historyResponse(ev domain.HistoryEvent) HistoryEventResponse {
	return HistoryEventResponse(ev)
}

func boardResponse(v engine.BoardView) BoardResponse {
	res := BoardResponse{
		Journey: journeyResponse(v.Journey),
		Stages:  mapStages(v.Stages),
		Columns: make(map[string][]PersonResponse, len(v.PeopleByStage)),
	}
	for stageID, people := range v.PeopleByStage {
		res.Columns[stageID] = mapPeople(people)
	}
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
