package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/lazypower/loopline/internal/config"
	"github.com/lazypower/loopline/internal/engine"
	"github.com/lazypower/loopline/internal/store"
	"github.com/spf13/cobra"
)

// openDB is a helper that opens the database for CLI commands.
func openDB() (*store.DB, error) {
	dbPath := os.Getenv("LOOPLINE_DB")
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}
	return store.Open(dbPath)
}

// --- loops command ---

var loopsCmd = &cobra.Command{
	Use:   "loops [user]",
	Short: "List a user's open loops",
	Long:  "List non-terminal loops for a user, highest salience first.",
	Args:  cobra.ExactArgs(1),
	RunE:  runLoops,
}

func runLoops(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	eng := engine.New(db)
	loops, err := eng.GetActiveLoops(args[0])
	if err != nil {
		return fmt.Errorf("get loops: %w", err)
	}

	if len(loops) == 0 {
		fmt.Println("No open loops.")
		return nil
	}

	for i, l := range loops {
		age := time.Since(time.UnixMilli(l.CreatedAt)).Round(time.Minute)
		fmt.Printf("%d. [%.2f] %s (%s, %s, age %s)\n", i+1, l.Salience, l.Topic, l.LoopType, l.Status, age)
		if l.SuggestedFollowup != "" {
			fmt.Printf("   followup: %s\n", l.SuggestedFollowup)
		}
	}
	return nil
}

// --- stats command ---

var statsCmd = &cobra.Command{
	Use:   "stats [user]",
	Short: "Show loop counts and detected duplicates for a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	eng := engine.New(db)
	stats, err := eng.Stats(args[0])
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}

	fmt.Printf("active:     %d\n", stats.Active)
	fmt.Printf("surfaced:   %d\n", stats.Surfaced)
	fmt.Printf("duplicates: %d\n", stats.Duplicates)
	return nil
}

// --- cleanup command ---

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run one cleanup cycle now",
	Long:  "Expire stale loops, collapse residual duplicates, and cap per-user loop counts. The serve command runs this on a timer; this is the manual trigger.",
	RunE:  runCleanup,
}

func runCleanup(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	cfg := config.Default()
	eng := engine.New(db)
	res := eng.RunCleanupCycle(cfg.EngineCleanup())

	fmt.Printf("expired:              %d\n", res.Expired)
	fmt.Printf("duplicates collapsed: %d\n", res.DuplicatesCollapsed)
	fmt.Printf("capped:               %d\n", res.Capped)
	return nil
}
