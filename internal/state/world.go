// Package state owns the three persistence tiers, World (read-only
// templates), Playthrough (durable progress), and Session (in-memory only),
// and is the only package permitted to write them to disk.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fabulist/fabulist/internal/schema"
)

// Entity is one actor definition: attribute sheet, relationships, and the
// persona text the assembler serialises into the prompt.
type Entity struct {
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	Sheet         map[string]string `json:"sheet,omitempty"`
	Relationships map[string]string `json:"relationships,omitempty"` // other entity → relation ("following", …)
}

// Follows reports whether the entity is in a "following" relationship with
// other. Following gates recall-memory inclusion during context assembly.
func (e *Entity) Follows(other string) bool {
	return e.Relationships[other] == RelationFollowing
}

// RelationFollowing is the relation value that enables follower-memory recall.
const RelationFollowing = "following"

// Location is one node in the world's location graph.
type Location struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Adjacent    []string `json:"adjacent,omitempty"`
}

// World is the immutable-per-session template tier. It is read-only during
// play; authoring happens outside this module.
type World struct {
	Title    string               `json:"title"`
	Opening  string               `json:"opening,omitempty"`
	Start    string               `json:"start"` // starting location name
	Entities map[string]*Entity   `json:"-"`
	Places   map[string]*Location `json:"locations"`
	Rules    []schema.Rule        `json:"-"`
}

// Entity returns the entity definition for name, or nil.
func (w *World) Entity(name string) *Entity { return w.Entities[name] }

// Location returns the location definition for name, or nil.
func (w *World) Location(name string) *Location { return w.Places[name] }

// LoadWorld reads a world from a workspace directory:
//
//	<dir>/world.json            title, opening, start, locations
//	<dir>/entities/<name>.json  one entity sheet per file
//
// Rule files are loaded separately by the rules package and attached by the
// caller; the world loader stays ignorant of the rule format.
func LoadWorld(dir string) (*World, error) {
	data, err := os.ReadFile(filepath.Join(dir, "world.json"))
	if err != nil {
		return nil, fmt.Errorf("read world.json: %w", err)
	}

	var w World
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse world.json: %w", err)
	}
	if w.Places == nil {
		w.Places = map[string]*Location{}
	}
	w.Entities = map[string]*Entity{}

	entDir := filepath.Join(dir, "entities")
	entries, err := os.ReadDir(entDir)
	if err != nil {
		if os.IsNotExist(err) {
			return &w, nil
		}
		return nil, fmt.Errorf("read entities dir: %w", err)
	}
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(entDir, de.Name()))
		if err != nil {
			return nil, fmt.Errorf("read entity %s: %w", de.Name(), err)
		}
		var e Entity
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("parse entity %s: %w", de.Name(), err)
		}
		if e.Name == "" {
			e.Name = strings.TrimSuffix(de.Name(), ".json")
		}
		w.Entities[e.Name] = &e
	}

	return &w, nil
}
