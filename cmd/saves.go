package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/fabulist/fabulist/internal/config"
	"github.com/fabulist/fabulist/internal/state"
)

var savesCmd = &cobra.Command{
	Use:   "saves",
	Short: "List save slots",
	RunE:  runSaves,
}

func runSaves(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(config.ConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ws := cfg.WorkspacePath()
	world, err := state.LoadWorld(ws)
	if err != nil {
		return err
	}
	retention := time.Duration(cfg.Persistence.BackupRetentionMinutes) * time.Minute
	mgr, err := state.NewManager(ws, world, state.NewCache(filepath.Join(ws, "entities")), retention, cfg.Context.NoteWindow)
	if err != nil {
		return err
	}

	slots := mgr.ListSaves()
	if len(slots) == 0 {
		fmt.Println("no saves yet")
		return nil
	}
	for _, name := range slots {
		fmt.Println(name)
	}
	return nil
}
