package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fabulist/fabulist/internal/schema"
)

// Phase is the playthrough lifecycle state. Saving and Loading are the only
// phases in which concurrent mutation is disallowed.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseActive
	PhaseSaving
	PhaseLoading
	PhaseClosed
)

var (
	// ErrNotActive is returned when a mutation arrives outside PhaseActive.
	ErrNotActive = errors.New("playthrough is not active")
	// ErrSceneRegression is returned when an append would violate scene
	// monotonicity.
	ErrSceneRegression = errors.New("message scene precedes current scene")
	// ErrStaleGeneration is returned when a background result carries an
	// outdated session generation token.
	ErrStaleGeneration = errors.New("stale session generation")
	// ErrNoSave is returned when a named save slot does not exist.
	ErrNoSave = errors.New("save slot not found")
)

const (
	liveFile   = "playthrough.json"
	savesDir   = "saves"
	backupSfx  = ".bak"
	timeLayout = "20060102T150405.000"
)

// Manager owns all three state tiers and is the single writer to durable
// storage. Every other component receives read views or requests mutations
// through it.
type Manager struct {
	dir        string
	world      *World
	cache      *Cache
	retention  time.Duration
	noteWindow int
	log        *slog.Logger

	mu    sync.Mutex
	phase Phase
	play  *Playthrough
	sess  *Session
	onVar func(scope schema.VarScope, name string)
}

// NewManager creates a manager rooted at the workspace directory. The saves
// subdirectory is created if necessary.
func NewManager(dir string, world *World, cache *Cache, retention time.Duration, noteWindow int) (*Manager, error) {
	if err := os.MkdirAll(filepath.Join(dir, savesDir), 0o755); err != nil {
		return nil, fmt.Errorf("create saves dir: %w", err)
	}
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	if noteWindow <= 0 {
		noteWindow = 30
	}
	return &Manager{
		dir:        dir,
		world:      world,
		cache:      cache,
		retention:  retention,
		noteWindow: noteWindow,
		log:        slog.With("component", "state"),
		phase:      PhaseUninitialized,
	}, nil
}

// World returns the read-only template tier.
func (m *Manager) World() *World { return m.world }

// Cache returns the entity record cache.
func (m *Manager) Cache() *Cache { return m.cache }

// OnVarChange registers the callback fired after every variable mutation.
// Used by the rule engine for on-variable-change triggers.
func (m *Manager) OnVarChange(fn func(scope schema.VarScope, name string)) {
	m.mu.Lock()
	m.onVar = fn
	m.mu.Unlock()
}

// Begin starts a fresh playthrough and session. Valid from Uninitialized or
// Active (restart).
func (m *Manager) Begin(retr schema.Retriever) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseClosed || m.phase == PhaseSaving || m.phase == PhaseLoading {
		return ErrNotActive
	}
	m.play = NewPlaythrough(m.world)
	m.sess = newSession(m.play, retr)
	m.phase = PhaseActive
	m.cache.Invalidate()
	m.log.Info("playthrough started", "id", m.play.ID, "world", m.play.World)
	return nil
}

// Phase returns the current lifecycle phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Generation returns the current session's version token, or "" when no
// session is live.
func (m *Manager) Generation() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return ""
	}
	return m.sess.Generation
}

// Retriever returns the session's semantic-memory handle, or nil.
func (m *Manager) Retriever() schema.Retriever {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil
	}
	return m.sess.Retrieval
}

// ---------------------------------------------------------------------------
// Conversation

// Scene returns the current scene number.
func (m *Manager) Scene() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.play == nil {
		return 0
	}
	return m.play.Scene
}

// AppendMessage appends one message to the conversation, stamping the
// current scene when the message carries none. Scene numbers are strictly
// non-decreasing; a regressing append is rejected.
func (m *Manager) AppendMessage(msg schema.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseActive {
		return ErrNotActive
	}
	if msg.Scene == 0 {
		msg.Scene = m.play.Scene
	}
	if n := len(m.play.Messages); n > 0 && msg.Scene < m.play.Messages[n-1].Scene {
		return fmt.Errorf("%w: %d < %d", ErrSceneRegression, msg.Scene, m.play.Messages[n-1].Scene)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.play.Messages = append(m.play.Messages, msg)
	m.play.UpdatedAt = time.Now()
	m.sess.Buffer.Add(msg)
	return nil
}

// History returns a copy of the full conversation.
func (m *Manager) History() []schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.play == nil {
		return nil
	}
	out := make([]schema.Message, len(m.play.Messages))
	copy(out, m.play.Messages)
	return out
}

// VisibleHistory returns the messages in entity's context view, optionally
// restricted to scenes >= fromScene.
func (m *Manager) VisibleHistory(entity string, fromScene int) []schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.play == nil {
		return nil
	}
	var out []schema.Message
	for _, msg := range m.play.Messages {
		if msg.Scene < fromScene {
			continue
		}
		if msg.VisibleTo(entity) {
			out = append(out, msg)
		}
	}
	return out
}

// LastAssistantBy returns the most recent assistant message spoken by
// entity in this playthrough, or "" when there is none. Used for exact
// duplicate detection.
func (m *Manager) LastAssistantBy(entity string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.play == nil {
		return ""
	}
	for i := len(m.play.Messages) - 1; i >= 0; i-- {
		msg := m.play.Messages[i]
		if msg.Role == schema.RoleAssistant && msg.Speaker == entity {
			return msg.Content
		}
	}
	return ""
}

// ReplaceHistoryPrefix replaces the first count messages with a single
// summary message. The invariant holds by construction: replaced content
// strictly precedes unreplaced content. The summary inherits the scene of
// the last replaced message so scene monotonicity is preserved.
func (m *Manager) ReplaceHistoryPrefix(count int, summary schema.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseActive {
		return ErrNotActive
	}
	if count <= 0 || count > len(m.play.Messages) {
		return fmt.Errorf("invalid prefix length %d of %d", count, len(m.play.Messages))
	}
	summary.Scene = m.play.Messages[count-1].Scene
	if summary.Timestamp.IsZero() {
		summary.Timestamp = time.Now()
	}
	tail := m.play.Messages[count:]
	rewritten := make([]schema.Message, 0, len(tail)+1)
	rewritten = append(rewritten, summary)
	rewritten = append(rewritten, tail...)
	m.play.Messages = rewritten
	m.play.UpdatedAt = time.Now()
	m.sess.Buffer = schema.NewMessages(rewritten...)
	m.log.Info("history prefix compressed", "replaced", count, "remaining", len(rewritten))
	return nil
}

// AdvanceScene increments the scene counter and clears scene-scoped
// variables. Scenes advance only through this explicit transition, never
// implicitly.
func (m *Manager) AdvanceScene() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseActive {
		return ErrNotActive
	}
	m.play.Scene++
	m.play.SceneVars = map[string]string{}
	m.play.UpdatedAt = time.Now()
	m.log.Info("scene advanced", "scene", m.play.Scene)
	return nil
}

// BufferInput queues player input that arrived while a turn was running.
// The buffer is session-tier: it is never persisted and a load discards it
// with the rest of the session.
func (m *Manager) BufferInput(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseActive {
		return ErrNotActive
	}
	m.sess.Pending = append(m.sess.Pending, text)
	return nil
}

// DrainInput returns the buffered inputs in arrival order and clears the
// buffer.
func (m *Manager) DrainInput() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || len(m.sess.Pending) == 0 {
		return nil
	}
	out := m.sess.Pending
	m.sess.Pending = nil
	return out
}

// ---------------------------------------------------------------------------
// Variables

// Var reads a variable from one of the four scopes.
func (m *Manager) Var(scope schema.VarScope, character, name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.play == nil {
		return "", false
	}
	switch scope {
	case schema.VarGlobal:
		v, ok := m.play.Vars[name]
		return v, ok
	case schema.VarPlayer:
		v, ok := m.play.Player[name]
		return v, ok
	case schema.VarCharacter:
		if cv, ok := m.play.Chars[character]; ok {
			v, ok := cv[name]
			return v, ok
		}
		return "", false
	case schema.VarScene:
		v, ok := m.play.SceneVars[name]
		return v, ok
	}
	return "", false
}

// SetVar writes a variable in one of the four scopes and fires the
// variable-change hook.
func (m *Manager) SetVar(scope schema.VarScope, character, name, value string) error {
	m.mu.Lock()
	if m.phase != PhaseActive {
		m.mu.Unlock()
		return ErrNotActive
	}
	switch scope {
	case schema.VarGlobal:
		m.play.Vars[name] = value
	case schema.VarPlayer:
		m.play.Player[name] = value
	case schema.VarCharacter:
		if m.play.Chars[character] == nil {
			m.play.Chars[character] = map[string]string{}
		}
		m.play.Chars[character][name] = value
	case schema.VarScene:
		m.play.SceneVars[name] = value
	default:
		m.mu.Unlock()
		return fmt.Errorf("unknown variable scope %q", scope)
	}
	m.play.UpdatedAt = time.Now()
	hook := m.onVar
	m.mu.Unlock()

	if hook != nil {
		hook(scope, name)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Inventory

// AddItem puts an item into the playthrough inventory. Adding an item the
// player already carries is a no-op.
func (m *Manager) AddItem(item string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseActive {
		return ErrNotActive
	}
	for _, have := range m.play.Inventory {
		if have == item {
			return nil
		}
	}
	m.play.Inventory = append(m.play.Inventory, item)
	m.play.UpdatedAt = time.Now()
	return nil
}

// RemoveItem takes an item out of the inventory. Removing an item the
// player does not carry is a no-op.
func (m *Manager) RemoveItem(item string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseActive {
		return ErrNotActive
	}
	for i, have := range m.play.Inventory {
		if have == item {
			m.play.Inventory = append(m.play.Inventory[:i], m.play.Inventory[i+1:]...)
			m.play.UpdatedAt = time.Now()
			return nil
		}
	}
	return nil
}

// Inventory returns a copy of the carried items in acquisition order.
func (m *Manager) Inventory() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.play == nil {
		return nil
	}
	out := make([]string, len(m.play.Inventory))
	copy(out, m.play.Inventory)
	return out
}

// ---------------------------------------------------------------------------
// Memory notes

// AppendNote appends a memory note through the single-writer path. The
// window is bounded FIFO: when full, the oldest note is dropped. A stale
// generation token (the playthrough was saved/loaded while the producing
// task was in flight) discards the note instead of applying it.
func (m *Manager) AppendNote(note schema.MemoryNote, generation string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseActive {
		return ErrNotActive
	}
	if generation != m.sess.Generation {
		m.log.Debug("discarding stale memory note", "author", note.Author)
		return ErrStaleGeneration
	}
	if note.Timestamp.IsZero() {
		note.Timestamp = time.Now()
	}
	if note.Scene == 0 {
		note.Scene = m.play.Scene
	}
	m.play.Notes = append(m.play.Notes, note)
	if over := len(m.play.Notes) - m.noteWindow; over > 0 {
		m.play.Notes = m.play.Notes[over:]
	}
	m.play.UpdatedAt = time.Now()
	return nil
}

// NotesBy returns author's notes about other entities, newest last,
// restricted to scenes >= fromScene.
func (m *Manager) NotesBy(author string, fromScene int) []schema.MemoryNote {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.play == nil {
		return nil
	}
	var out []schema.MemoryNote
	for _, n := range m.play.Notes {
		if n.Author == author && n.Scene >= fromScene {
			out = append(out, n)
		}
	}
	return out
}

// Location returns the current location definition, or nil.
func (m *Manager) Location() *Location {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.play == nil {
		return nil
	}
	return m.world.Location(m.play.Location)
}

// ---------------------------------------------------------------------------
// Save / Load

// Save copies the current playthrough tier to a named slot. It is
// user-triggered only, never automatic. An existing slot file is renamed
// with a timestamp suffix rather than overwritten; backups older than the
// retention window are swept best-effort.
func (m *Manager) Save(name string) error {
	m.mu.Lock()
	if m.phase != PhaseActive {
		m.mu.Unlock()
		return ErrNotActive
	}
	m.phase = PhaseSaving
	m.play.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(m.play, "", "  ")
	m.mu.Unlock()
	if err != nil {
		m.setPhase(PhaseActive)
		return fmt.Errorf("marshal playthrough: %w", err)
	}

	defer m.setPhase(PhaseActive)

	// Refresh the live tier first so the slot and live file never diverge.
	if err := writeFileAtomic(filepath.Join(m.dir, liveFile), data); err != nil {
		return fmt.Errorf("write live playthrough: %w", err)
	}

	slot := m.slotPath(name)
	if _, err := os.Stat(slot); err == nil {
		backup := slot + "." + time.Now().UTC().Format(timeLayout) + backupSfx
		if err := os.Rename(slot, backup); err != nil {
			return fmt.Errorf("back up slot %s: %w", name, err)
		}
	}
	if err := writeFileAtomic(slot, data); err != nil {
		return fmt.Errorf("write save %s: %w", name, err)
	}

	m.sweepBackups()
	m.cache.Invalidate()
	m.log.Info("saved", "slot", name, "bytes", len(data))
	return nil
}

// Load replaces the playthrough tier from a named slot. Order matters:
// (1) the in-memory session is discarded explicitly, (2) the on-disk live
// tier is renamed aside then replaced, (3) a fresh session is rehydrated
// from the new tier, (4) the cache is invalidated unconditionally.
func (m *Manager) Load(name string) error {
	m.mu.Lock()
	if m.phase != PhaseActive && m.phase != PhaseUninitialized {
		m.mu.Unlock()
		return ErrNotActive
	}
	prev := m.phase
	m.phase = PhaseLoading
	retr := schema.Retriever(nil)
	if m.sess != nil {
		retr = m.sess.Retrieval
	}
	m.sess = nil // explicit discard, not GC reliance
	m.mu.Unlock()

	fail := func(err error) error {
		if prev == PhaseActive {
			// The old playthrough is still intact in memory.
			m.mu.Lock()
			m.sess = newSession(m.play, retr)
			m.phase = PhaseActive
			m.mu.Unlock()
		} else {
			m.setPhase(prev)
		}
		return err
	}

	slot := m.slotPath(name)
	data, err := os.ReadFile(slot)
	if err != nil {
		if os.IsNotExist(err) {
			return fail(fmt.Errorf("%w: %s", ErrNoSave, name))
		}
		return fail(fmt.Errorf("read save %s: %w", name, err))
	}

	var play Playthrough
	if err := json.Unmarshal(data, &play); err != nil {
		return fail(fmt.Errorf("parse save %s: %w", name, err))
	}

	// Rename-before-replace: the prior live tier stays recoverable.
	live := filepath.Join(m.dir, liveFile)
	if _, err := os.Stat(live); err == nil {
		backup := live + "." + time.Now().UTC().Format(timeLayout) + backupSfx
		if err := os.Rename(live, backup); err != nil {
			return fail(fmt.Errorf("rename live playthrough: %w", err))
		}
	}
	if err := writeFileAtomic(live, data); err != nil {
		return fail(fmt.Errorf("replace live playthrough: %w", err))
	}

	m.mu.Lock()
	m.play = &play
	m.sess = newSession(&play, retr)
	m.phase = PhaseActive
	m.mu.Unlock()

	m.cache.Invalidate()
	m.sweepBackups()
	m.log.Info("loaded", "slot", name, "scene", play.Scene, "messages", len(play.Messages))
	return nil
}

// ListSaves returns slot names sorted newest-first by modification time.
func (m *Manager) ListSaves() []string {
	entries, _ := filepath.Glob(filepath.Join(m.dir, savesDir, "*.json"))
	type slot struct {
		name string
		mod  time.Time
	}
	var slots []slot
	for _, p := range entries {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		slots = append(slots, slot{strings.TrimSuffix(filepath.Base(p), ".json"), info.ModTime()})
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].mod.After(slots[j].mod) })
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.name
	}
	return out
}

// Close ends the playthrough lifecycle.
func (m *Manager) Close() {
	m.mu.Lock()
	m.sess = nil
	m.play = nil
	m.phase = PhaseClosed
	m.mu.Unlock()
	m.cache.Invalidate()
}

// ---------------------------------------------------------------------------
// Internal helpers

func (m *Manager) setPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
}

func (m *Manager) slotPath(name string) string {
	return filepath.Join(m.dir, savesDir, Normalize(name)+".json")
}

// sweepBackups removes timestamped backups older than the retention window.
// Best-effort: failures are logged, never surfaced.
func (m *Manager) sweepBackups() {
	cutoff := time.Now().Add(-m.retention)
	patterns := []string{
		filepath.Join(m.dir, savesDir, "*"+backupSfx),
		filepath.Join(m.dir, liveFile+".*"+backupSfx),
	}
	for _, pat := range patterns {
		matches, _ := filepath.Glob(pat)
		for _, p := range matches {
			info, err := os.Stat(p)
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(p); err != nil {
				m.log.Debug("backup sweep failed", "path", p, "err", err)
			}
		}
	}
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place, so a crash mid-write leaves either the old or the
// new content, never a mixture.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
