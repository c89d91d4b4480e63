// migrate applies the embedded schema migrations to DATABASE_URL.
package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/neeiz/neeiz/internal/config"
	"github.com/neeiz/neeiz/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	cfg, err := config.LoadMigrate()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := migrate.Run(cfg.DatabaseURL, migrate.Direction(*direction)); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("migrations applied", "direction", *direction)
}
