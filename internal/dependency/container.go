// Package dependency wires core fabulist services using go.uber.org/dig.
package dependency

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/dig"

	"github.com/fabulist/fabulist/internal/assemble"
	"github.com/fabulist/fabulist/internal/config"
	"github.com/fabulist/fabulist/internal/engine"
	"github.com/fabulist/fabulist/internal/fallback"
	"github.com/fabulist/fabulist/internal/memory"
	"github.com/fabulist/fabulist/internal/provider"
	"github.com/fabulist/fabulist/internal/rules"
	"github.com/fabulist/fabulist/internal/server"
	"github.com/fabulist/fabulist/internal/state"
	"github.com/fabulist/fabulist/internal/summary"
)

// Container holds the resolved core service singletons.
// Callers use the typed getter methods; they never need to import dig directly.
type Container struct {
	cfg      *config.Config
	stateMgr *state.Manager
	pipeline *engine.Pipeline
	timers   *rules.Timers
	recorder *memory.Recorder
	srv      *server.Server
}

func (c *Container) Config() *config.Config     { return c.cfg }
func (c *Container) State() *state.Manager      { return c.stateMgr }
func (c *Container) Pipeline() *engine.Pipeline { return c.pipeline }
func (c *Container) Timers() *rules.Timers      { return c.timers }
func (c *Container) Recorder() *memory.Recorder { return c.recorder }
func (c *Container) Server() *server.Server     { return c.srv }

// New builds and wires all core services from cfg.
func New(cfg *config.Config) (*Container, error) {
	d := dig.New()

	if err := d.Provide(func() *config.Config { return cfg }); err != nil {
		return nil, err
	}
	for _, ctor := range []any{
		newWorld,
		newCache,
		newStateManager,
		newGateway,
		newOrchestrator,
		newCompressor,
		newBudget,
		newAssembler,
		newRuleEngine,
		newTimers,
		newRecorder,
		newPipeline,
		newServer,
	} {
		if err := d.Provide(ctor); err != nil {
			return nil, err
		}
	}

	var result *Container
	err := d.Invoke(func(
		stateMgr *state.Manager,
		pipeline *engine.Pipeline,
		timers *rules.Timers,
		recorder *memory.Recorder,
		srv *server.Server,
	) {
		result = &Container{
			cfg:      cfg,
			stateMgr: stateMgr,
			pipeline: pipeline,
			timers:   timers,
			recorder: recorder,
			srv:      srv,
		}
	})
	return result, err
}

func newWorld(cfg *config.Config) (*state.World, error) {
	ws := cfg.WorkspacePath()
	world, err := state.LoadWorld(ws)
	if err != nil {
		return nil, fmt.Errorf("load world from %s: %w", ws, err)
	}
	ruleSet, err := rules.LoadDir(filepath.Join(ws, "rules"))
	if err != nil {
		return nil, err
	}
	world.Rules = ruleSet
	return world, nil
}

func newCache(cfg *config.Config) *state.Cache {
	return state.NewCache(filepath.Join(cfg.WorkspacePath(), "entities"))
}

func newStateManager(cfg *config.Config, world *state.World, cache *state.Cache) (*state.Manager, error) {
	retention := time.Duration(cfg.Persistence.BackupRetentionMinutes) * time.Minute
	return state.NewManager(cfg.WorkspacePath(), world, cache, retention, cfg.Context.NoteWindow)
}

func newGateway(cfg *config.Config) (*provider.Gateway, error) {
	timeout := time.Duration(cfg.Generation.TimeoutSeconds) * time.Second
	g := provider.NewGateway(cfg.Generation.TopP, timeout)

	if cfg.Providers.OpenAI.APIKey != "" || cfg.Providers.OpenAI.APIBase != "" {
		g.RegisterProvider("openai", provider.NewOpenAI(
			cfg.Providers.OpenAI.APIKey,
			cfg.Providers.OpenAI.APIBase,
			cfg.Models.Primary,
			timeout,
		))
	}
	ollama, err := provider.NewOllama(cfg.Providers.Ollama.Host, "llama3.1", timeout)
	if err != nil {
		return nil, fmt.Errorf("ollama provider: %w", err)
	}
	g.RegisterProvider("ollama", ollama)

	models := append([]string{cfg.Models.Primary, cfg.Models.Summary, cfg.Models.Notes},
		cfg.Models.Fallbacks...)
	for _, m := range models {
		if m == "" {
			continue
		}
		g.RegisterModel(m, provider.ModelSpec{
			Provider:      providerFor(m),
			ContextWindow: cfg.Context.MaxTokens,
		})
	}
	return g, nil
}

// providerFor routes a model name to a backend. Anything outside the
// OpenAI family goes to the local Ollama daemon.
func providerFor(model string) string {
	for _, prefix := range []string{"gpt-", "o1", "o3", "chatgpt"} {
		if strings.HasPrefix(model, prefix) {
			return "openai"
		}
	}
	return "ollama"
}

func newOrchestrator(cfg *config.Config, g *provider.Gateway) *fallback.Orchestrator {
	return fallback.New(g, cfg.Models.Primary, cfg.Models.Fallbacks)
}

func newCompressor(cfg *config.Config, g *provider.Gateway) *summary.Compressor {
	return summary.New(g, cfg.Models.Summary, cfg.Generation.MaxTokens)
}

func newBudget(cfg *config.Config, g *provider.Gateway) *assemble.Budget {
	// The budget follows the primary model's registered window; the config
	// ceiling only applies when the model is unknown to the gateway.
	window := g.ContextWindow(cfg.Models.Primary)
	if window == 0 {
		window = cfg.Context.MaxTokens
	}
	return assemble.NewBudget(window, cfg.Context.PaddingDivisor, nil)
}

func newAssembler(st *state.Manager, budget *assemble.Budget, cfg *config.Config) *assemble.Assembler {
	return assemble.New(st, budget, cfg.Context.RecallScenes)
}

func newRuleEngine(st *state.Manager, world *state.World) *rules.Engine {
	return rules.New(st, world.Rules)
}

func newTimers(e *rules.Engine) *rules.Timers {
	return rules.NewTimers(e)
}

func newRecorder(cfg *config.Config, g *provider.Gateway, st *state.Manager) *memory.Recorder {
	return memory.New(g, cfg.Models.Notes, st, 16)
}

func newPipeline(
	st *state.Manager,
	re *rules.Engine,
	as *assemble.Assembler,
	orch *fallback.Orchestrator,
	comp *summary.Compressor,
	rec *memory.Recorder,
	cfg *config.Config,
) *engine.Pipeline {
	return engine.New(st, re, as, orch, comp, rec,
		cfg.Generation.MaxTokens, cfg.Generation.Temperature)
}

func newServer(cfg *config.Config, pipeline *engine.Pipeline, st *state.Manager) *server.Server {
	return server.New(cfg.Server.Addr, pipeline, st)
}
