package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/ripdev/ripd/internal/authority"
)

func doctorCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Report authority lock health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(dataDir)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "authority data directory")
	cmd.MarkFlagRequired("data-dir")
	return cmd
}

func runDoctor(dataDir string) error {
	fmt.Println("ripd doctor")
	fmt.Printf("  data dir: %s\n", dataDir)

	info, alive, err := authority.Inspect(dataDir)
	if err != nil {
		fmt.Println("  lock:     none (no authority has run here, or it shut down cleanly)")
		return nil
	}

	startedAt := time.UnixMilli(info.StartedAtMs).Format(time.RFC3339)
	if alive {
		fmt.Printf("  lock:     held by live pid %d, endpoint %s, started %s\n", info.PID, info.Endpoint, startedAt)
		return nil
	}

	fmt.Printf("  lock:     STALE (pid %d is not running, endpoint %s, started %s)\n", info.PID, info.Endpoint, startedAt)

	var confirm bool
	prompt := huh.NewConfirm().
		Title("Clear the stale authority lock?").
		Description(fmt.Sprintf("pid %d is no longer running; the next `ripd serve` would replace this lock automatically.", info.PID)).
		Affirmative("Clear it").
		Negative("Leave it").
		Value(&confirm)
	if err := prompt.Run(); err != nil {
		return fmt.Errorf("ripd: doctor prompt: %w", err)
	}
	if !confirm {
		fmt.Println("  left stale lock in place")
		return nil
	}
	if err := authority.ClearStale(dataDir); err != nil {
		return fmt.Errorf("ripd: clear stale lock: %w", err)
	}
	fmt.Println("  cleared stale lock")
	return nil
}
