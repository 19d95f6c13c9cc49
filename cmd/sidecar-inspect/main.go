// sidecar-inspect dumps the state of the qbit sidecar database: storage
// counts, recent sessions, and the latest Layer 1 working-memory snapshot.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/qbit-ai/qbit-evals/config"
	"github.com/qbit-ai/qbit-evals/sidecar"
)

func main() {
	dbPath := flag.String("db", "", "Path to the sidecar database (default from config)")
	sessionID := flag.String("session", "", "Show details for one session instead of the latest state")
	limit := flag.Int("limit", 10, "Maximum sessions to list")
	flag.Parse()

	loggerConfig := zap.NewProductionConfig()
	loggerConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if !config.Verbose() {
		loggerConfig.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	logger, err := loggerConfig.Build()
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	path := *dbPath
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			logger.Fatal("Failed to load config", zap.Error(err))
		}
		path = cfg.SidecarDBPath
	}

	db, err := sidecar.Open(path, logger)
	if err != nil {
		logger.Fatal("Failed to open sidecar database", zap.Error(err))
	}
	defer db.Close()

	if err := inspect(db, *sessionID, *limit); err != nil {
		logger.Fatal("Inspection failed", zap.Error(err))
	}
}

func inspect(db *sidecar.DB, sessionID string, limit int) error {
	stats, err := db.Stats()
	if err != nil {
		return err
	}
	fmt.Println("=== Storage ===")
	fmt.Printf("sessions:    %d\n", stats.Sessions)
	fmt.Printf("events:      %d\n", stats.Events)
	fmt.Printf("checkpoints: %d\n\n", stats.Checkpoints)

	sessions, err := db.ListSessions(limit)
	if err != nil {
		return err
	}
	fmt.Printf("=== Recent sessions (%d) ===\n", len(sessions))
	for _, s := range sessions {
		started := time.UnixMilli(s.CreatedAtMS).Format(time.RFC3339)
		state := "ended"
		if s.Active {
			state = "active"
		}
		fmt.Printf("%s  %s  %s  %s\n", s.ID, started, state, s.WorkspacePath)
	}
	fmt.Println()

	var state *sidecar.Layer1State
	if sessionID != "" {
		state, err = db.Layer1State(sessionID)
	} else {
		state, err = db.Layer1Latest()
	}
	if err != nil {
		return err
	}
	if state == nil {
		fmt.Println("No Layer 1 state recorded.")
		return nil
	}
	fmt.Println("=== Layer 1 state ===")
	fmt.Println(state.InjectableContext(2000))
	return nil
}
