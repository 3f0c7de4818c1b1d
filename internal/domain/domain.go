package domain

// OrgContext identifies the tenant and the acting user for an operation.
// Callers supply it explicitly; nothing reads it from ambient state.
type OrgContext struct {
	OrgID   string `json:"org_id"`
	ActorID string `json:"actor_id"`
}

type Organization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Journey struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Stage struct {
	ID        string `json:"id"`
	JourneyID string `json:"journey_id"`
	OrgID     string `json:"org_id"`
	Title     string `json:"title"`
	Position  int    `json:"position"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// IsEntry reports whether the stage is the journey's immutable entry stage.
func (s Stage) IsEntry() bool { return s.Position == 0 }

type Person struct {
	ID        string  `json:"id"`
	OrgID     string  `json:"org_id"`
	Name      string  `json:"name"`
	JourneyID *string `json:"journey_id,omitempty"`
	StageID   *string `json:"stage_id,omitempty"`
	Archived  bool    `json:"archived"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

// History action types recorded for pipeline mutations.
const (
	ActionStageChange   = "stage_change"
	ActionJourneyChange = "journey_change"
	ActionPersonCreated = "person_created"
	ActionArchived      = "archived"
	ActionRestored      = "restored"
)

type HistoryEvent struct {
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

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// EffectiveStage resolves a person's stage against a journey's stage list.
// A null stage_id means the entry stage; a stale id that matches no stage
// also falls back to the entry stage. Returns false when the journey has
// no stages.
func EffectiveStage(p Person, stages []Stage) (Stage, bool) {
	if len(stages) == 0 {
		return Stage{}, false
	}
	entry := stages[0]
	for _, s := range stages {
		if s.Position < entry.Position {
			entry = s
		}
	}
	if p.StageID == nil {
		return entry, true
	}
	for _, s := range stages {
		if s.ID == *p.StageID {
			return s, true
		}
	}
	return entry, true
}
