package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fabulist/fabulist/internal/config"
	"github.com/fabulist/fabulist/internal/dependency"
	"github.com/fabulist/fabulist/internal/fallback"
	"github.com/fabulist/fabulist/internal/state"
)

var (
	playEntity string
	playLoad   string
)

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Play interactively in the terminal",
	RunE:  runPlay,
}

func init() {
	playCmd.Flags().StringVarP(&playEntity, "entity", "e", "narrator", "Acting entity")
	playCmd.Flags().StringVarP(&playLoad, "load", "l", "", "Load a save slot instead of starting fresh")
}

func runPlay(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(config.ConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	container, err := dependency.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	listenForSignals(cancel)

	st := container.State()
	if playLoad != "" {
		if err := st.Load(playLoad); err != nil {
			return fmt.Errorf("load save %s: %w", playLoad, err)
		}
	} else if err := st.Begin(nil); err != nil {
		return err
	}
	defer st.Close()

	container.Recorder().Start(ctx)
	defer container.Recorder().Close()
	container.Timers().Start(ctx)

	if opening := st.World().Opening; opening != "" {
		fmt.Printf("\n%s\n", opening)
	}
	fmt.Printf("\n%s Scene %d. Commands: /save <slot>, /load <slot>, /scene, /saves, /items, /quit\n\n",
		logo, st.Scene())

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("You: ")
		if !scanner.Scan() {
			fmt.Println("\nGoodbye!")
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := handleCommand(st, line); quit {
				fmt.Println("Goodbye!")
				return nil
			}
			continue
		}

		turn, err := container.Pipeline().Run(ctx, playEntity, line)
		if err != nil {
			if errors.Is(err, fallback.ErrExhausted) {
				fmt.Printf("\n%s\n\n", turn.Text)
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(os.Stderr, "turn failed: %v\n", err)
			continue
		}
		fmt.Printf("\n%s %s\n%s\n\n", logo, turn.Entity, turn.Text)
	}
}

// handleCommand runs one slash command; returns true on /quit.
func handleCommand(st *state.Manager, line string) bool {
	parts := strings.Fields(line)
	switch parts[0] {
	case "/quit", "/exit":
		return true
	case "/save":
		if len(parts) < 2 {
			fmt.Println("usage: /save <slot>")
			return false
		}
		if err := st.Save(parts[1]); err != nil {
			fmt.Fprintf(os.Stderr, "save failed: %v\n", err)
		} else {
			fmt.Printf("saved to %q\n", parts[1])
		}
	case "/load":
		if len(parts) < 2 {
			fmt.Println("usage: /load <slot>")
			return false
		}
		if err := st.Load(parts[1]); err != nil {
			fmt.Fprintf(os.Stderr, "load failed: %v\n", err)
		} else {
			fmt.Printf("loaded %q, scene %d\n", parts[1], st.Scene())
		}
	case "/scene":
		if err := st.AdvanceScene(); err != nil {
			fmt.Fprintf(os.Stderr, "scene change failed: %v\n", err)
		} else {
			fmt.Printf("— Scene %d —\n", st.Scene())
		}
	case "/saves":
		for _, name := range st.ListSaves() {
			fmt.Println(" ", name)
		}
	case "/items":
		items := st.Inventory()
		if len(items) == 0 {
			fmt.Println("you carry nothing")
			return false
		}
		for _, item := range items {
			fmt.Println(" ", item)
		}
	default:
		fmt.Printf("unknown command %s\n", parts[0])
	}
	return false
}

// listenForSignals cancels ctx on SIGINT or SIGTERM.
func listenForSignals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()
	}()
}
