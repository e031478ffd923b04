package state

import (
	"time"

	"github.com/google/uuid"

	"github.com/fabulist/fabulist/internal/schema"
)

// Playthrough is the durable progress tier: everything that survives a
// save/load cycle. It is mutated only through Manager methods.
type Playthrough struct {
	ID        string    `json:"id"`
	World     string    `json:"world"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Scene    int    `json:"scene"`
	Location string `json:"location"`

	Vars      map[string]string            `json:"vars"`       // global scope
	Player    map[string]string            `json:"player"`     // player scope
	Chars     map[string]map[string]string `json:"chars"`      // character scope
	SceneVars map[string]string            `json:"scene_vars"` // cleared on scene transition

	Inventory []string            `json:"inventory,omitempty"`
	Messages  []schema.Message    `json:"messages"`
	Notes     []schema.MemoryNote `json:"notes,omitempty"`
}

// NewPlaythrough creates a fresh playthrough for a world.
func NewPlaythrough(world *World) *Playthrough {
	now := time.Now()
	return &Playthrough{
		ID:        uuid.NewString(),
		World:     world.Title,
		CreatedAt: now,
		UpdatedAt: now,
		Scene:     1,
		Location:  world.Start,
		Vars:      map[string]string{},
		Player:    map[string]string{},
		Chars:     map[string]map[string]string{},
		SceneVars: map[string]string{},
	}
}

// Session is the in-memory-only tier. It is never written to disk and is
// discarded wholesale on load of a different save.
//
// Generation is a version token minted per session; detached background
// tasks carry it and their results are discarded when it no longer matches
// (the playthrough was saved/loaded mid-flight).
type Session struct {
	Generation string
	Buffer     schema.Messages // active conversation buffer
	Pending    []string        // pending-input buffer
	Retrieval  schema.Retriever
}

// newSession rehydrates a session from the playthrough tier.
func newSession(p *Playthrough, retr schema.Retriever) *Session {
	buf := schema.NewMessages(p.Messages...)
	return &Session{
		Generation: uuid.NewString(),
		Buffer:     buf,
		Retrieval:  retr,
	}
}
