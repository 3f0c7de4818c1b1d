// Package board keeps the client-side board model and the drag lifecycle.
// Person moves apply optimistically and roll back if the commit fails;
// column moves preview locally but only take effect once the store commits.
package board

import (
	"context"
	"errors"
	"sync"

	"flockline/internal/domain"
	"flockline/internal/engine"
)

var (
	ErrDragActive = errors.New("a drag is already in progress")
	ErrNoDrag     = errors.New("no drag in progress")
)

// DragPayload identifies what is being dragged.
type DragPayload interface {
	isDragPayload()
}

// CardPayload is a dragged person card.
type CardPayload struct {
	PersonID string
}

// ColumnPayload is a dragged stage column.
type ColumnPayload struct {
	StageID string
}

func (CardPayload) isDragPayload()   {}
func (ColumnPayload) isDragPayload() {}

// Board holds one journey's view and at most one active drag gesture.
type Board struct {
	Engine engine.Engine
	Org    domain.OrgContext

	mu       sync.Mutex
	view     engine.BoardView
	payload  DragPayload
	snapshot *engine.BoardView
	hover    string
	moved    bool
}

func New(eng engine.Engine, org domain.OrgContext) *Board {
	return &Board{Engine: eng, Org: org}
}

// Load replaces the local view with the stored one. Any active drag is
// discarded.
func (b *Board) Load(ctx context.Context, journeyID string) error {
	view, err := b.Engine.Board(ctx, b.Org, journeyID)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.view = view
	b.clearDragLocked()
	return nil
}

// View returns a copy of the current local view.
func (b *Board) View() engine.BoardView {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copyView(b.view)
}

// DragStart opens a gesture and snapshots the view for rollback. Starting a
// column drag on the entry stage is ignored; the gesture stays closed.
func (b *Board) DragStart(payload DragPayload) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.payload != nil {
		return ErrDragActive
	}
	if col, ok := payload.(ColumnPayload); ok {
		s, ok := b.stageLocked(col.StageID)
		if !ok {
			return ErrNoDrag
		}
		if s.IsEntry() {
			return nil
		}
	}
	snap := copyView(b.view)
	b.snapshot = &snap
	b.payload = payload
	b.hover = ""
	b.moved = false
	return nil
}

// DragOver previews the drop onto a stage. It is idempotent: hovering the
// same stage repeatedly applies at most one local change.
func (b *Board) DragOver(stageID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.payload == nil || stageID == b.hover {
		return
	}
	if _, ok := b.stageLocked(stageID); !ok {
		return
	}
	switch p := b.payload.(type) {
	case CardPayload:
		b.moveCardLocked(p.PersonID, stageID)
	case ColumnPayload:
		b.moveColumnLocked(p.StageID, stageID)
	}
	b.hover = stageID
}

// DragEnd closes the gesture with exactly one commit, or none when nothing
// moved. A failed commit restores the pre-drag snapshot.
func (b *Board) DragEnd(ctx context.Context) error {
	b.mu.Lock()
	payload := b.payload
	moved := b.moved
	hover := b.hover
	snapshot := b.snapshot
	journeyID := b.view.Journey.ID
	order := make([]string, 0, len(b.view.Stages))
	for _, s := range b.view.Stages {
		order = append(order, s.ID)
	}
	b.clearDragLocked()
	b.mu.Unlock()

	if payload == nil {
		return ErrNoDrag
	}
	if !moved {
		return nil
	}
	switch p := payload.(type) {
	case CardPayload:
		// Dropping back onto the origin column needs no commit.
		if snapshot != nil && columnOf(*snapshot, p.PersonID) == hover {
			return nil
		}
		if _, err := b.Engine.SetStage(ctx, b.Org, p.PersonID, hover); err != nil {
			b.restore(snapshot)
			return err
		}
		return nil
	case ColumnPayload:
		if err := b.Engine.ReorderStages(ctx, b.Org, journeyID, order); err != nil {
			b.restore(snapshot)
			return err
		}
		// The store may have declined the reorder without error; reflect
		// whatever it actually holds.
		return b.Load(ctx, journeyID)
	}
	return nil
}

// Cancel abandons the gesture and restores the pre-drag snapshot. No commit
// happens.
func (b *Board) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.payload == nil {
		return
	}
	if b.snapshot != nil {
		b.view = *b.snapshot
	}
	b.clearDragLocked()
}

// Dragging reports whether a gesture is open.
func (b *Board) Dragging() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.payload != nil
}

func (b *Board) restore(snapshot *engine.BoardView) {
	if snapshot == nil {
		return
	}
	b.mu.Lock()
	b.view = *snapshot
	b.mu.Unlock()
}

func (b *Board) clearDragLocked() {
	b.payload = nil
	b.snapshot = nil
	b.hover = ""
	b.moved = false
}

func (b *Board) stageLocked(stageID string) (domain.Stage, bool) {
	for _, s := range b.view.Stages {
		if s.ID == stageID {
			return s, true
		}
	}
	return domain.Stage{}, false
}

// moveCardLocked shifts a person between columns in the local view only.
func (b *Board) moveCardLocked(personID, stageID string) {
	var person domain.Person
	found := false
	for from, people := range b.view.PeopleByStage {
		for i, p := range people {
			if p.ID != personID {
				continue
			}
			if from == stageID {
				return
			}
			person = p
			b.view.PeopleByStage[from] = append(people[:i:i], people[i+1:]...)
			found = true
			break
		}
		if found {
			break
		}
	}
	if !found {
		return
	}
	person.StageID = &stageID
	b.view.PeopleByStage[stageID] = append(b.view.PeopleByStage[stageID], person)
	b.moved = true
}

// moveColumnLocked previews a column reorder. The entry column never leaves
// position 0, so a drop onto it lands at position 1.
func (b *Board) moveColumnLocked(stageID, targetID string) {
	if stageID == targetID {
		return
	}
	stages := b.view.Stages
	from, to := -1, -1
	for i, s := range stages {
		if s.ID == stageID {
			from = i
		}
		if s.ID == targetID {
			to = i
		}
	}
	if from <= 0 || to < 0 {
		return
	}
	if to == 0 {
		to = 1
	}
	moved := stages[from]
	rest := append(append([]domain.Stage{}, stages[:from]...), stages[from+1:]...)
	reordered := append(append(append([]domain.Stage{}, rest[:to]...), moved), rest[to:]...)
	b.view.Stages = reordered
	b.moved = true
}

func columnOf(v engine.BoardView, personID string) string {
	for stageID, people := range v.PeopleByStage {
		for _, p := range people {
			if p.ID == personID {
				return stageID
			}
		}
	}
	return ""
}

func copyView(v engine.BoardView) engine.BoardView {
	out := engine.BoardView{
		Journey:       v.Journey,
		Stages:        append([]domain.Stage{}, v.Stages...),
		PeopleByStage: make(map[string][]domain.Person, len(v.PeopleByStage)),
	}
	for id, people := range v.PeopleByStage {
		out.PeopleByStage[id] = append([]domain.Person{}, people...)
	}
	return out
}
