package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/config"
)

const defaultMigrationsDir = "migrations"

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		dir        = flag.String("dir", defaultMigrationsDir, "Migrations directory")
		action     = flag.String("action", "up", "Migration action: up, down, version, force, create")
		steps      = flag.Int("steps", 0, "Number of migrations to run (0 = all)")
		name       = flag.String("name", "", "Migration name (for create action)")
		forceTo    = flag.Int("force", -1, "Version to force (for force action)")
	)
	flag.Parse()

	if *action == "create" {
		if *name == "" {
			log.Fatal("migration name is required for create action")
		}
		if err := createMigration(*dir, *name); err != nil {
			log.Fatalf("create failed: %v", err)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if cfg.OLTP.URL == "" {
		log.Fatal("oltp database url is not configured")
	}

	m, cleanup, err := newMigrator(cfg.OLTP.URL, *dir)
	if err != nil {
		log.Fatalf("failed to initialize migrator: %v", err)
	}
	defer cleanup()

	switch *action {
	case "up":
		if *steps > 0 {
			err = m.Steps(*steps)
		} else {
			err = m.Up()
		}
	case "down":
		if *steps > 0 {
			err = m.Steps(-*steps)
		} else {
			err = m.Down()
		}
	case "version":
		var version uint
		var dirty bool
		version, dirty, err = m.Version()
		if err == nil {
			fmt.Printf("version: %d dirty: %v\n", version, dirty)
		}
	case "force":
		if *forceTo < 0 {
			log.Fatal("force requires a non-negative -force version")
		}
		err = m.Force(*forceTo)
	default:
		log.Fatalf("unknown action: %s", *action)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		log.Println("no change")
		return
	}
	if err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	log.Println("done")
}

// newMigrator opens the database through database/sql so the migrator
// shares the connection's lock scope with the schema_migrations table.
func newMigrator(dbURL, dir string) (*migrate.Migrate, func(), error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(sourceURL(dir), "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating migrator: %w", err)
	}
	return m, func() { m.Close() }, nil
}

// sourceURL renders a migrations directory as a file source URL.
func sourceURL(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	return "file://" + filepath.ToSlash(abs)
}

// createMigration writes a numbered up/down migration pair.
func createMigration(dir, name string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating migrations directory: %w", err)
	}
	version := time.Now().UTC().Format("20060102150405")
	for _, direction := range []string{"up", "down"} {
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.%s.sql", version, name, direction))
		if err := os.WriteFile(path, []byte("-- "+name+" ("+direction+")\n"), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		log.Printf("created %s", path)
	}
	return nil
}
