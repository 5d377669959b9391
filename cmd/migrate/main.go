package main

import (
	"errors"
	"flag"
	"log/slog"
	"os"
	"path/filepath"

	"consultline/internal/config"
	"consultline/pkg/logger"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

func main() {
	dir := flag.String("dir", "migrations", "directory holding *.up.sql / *.down.sql files")
	flag.Parse()
	if flag.NArg() < 1 {
		slog.Error("usage: migrate [-dir migrations] up | down | version")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logger.New(cfg.App.Env)

	root, err := filepath.Abs(*dir)
	if err != nil {
		log.Error("migrations path", "err", err)
		os.Exit(1)
	}

	m, err := migrate.New("file://"+filepath.ToSlash(root), cfg.PostgresURL())
	if err != nil {
		log.Error("migrator init failed", "err", err)
		os.Exit(1)
	}
	defer m.Close()

	switch flag.Arg(0) {
	case "up":
		err = m.Up()
	case "down":
		err = m.Steps(-1)
	case "version":
	default:
		log.Error("unknown command", "cmd", flag.Arg(0))
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Error("migration failed", "err", err)
		os.Exit(1)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		log.Error("read version", "err", err)
		os.Exit(1)
	}
	log.Info("migrations applied", "version", version, "dirty", dirty)
}
