package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/OrigemSolution/sharePlan/internal/config"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=migrate msg=\"no .env file found, using environment\"")
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=migrate msg=\"cannot load config\" err=%v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatalf("level=fatal component=migrate msg=\"DATABASE_URL is required\"")
	}

	sourceURL := "file://" + migrationsDir()
	m, err := migrate.New(sourceURL, migrateDatabaseURL(cfg.DatabaseURL))
	if err != nil {
		log.Fatalf("level=fatal component=migrate msg=\"failed to initialize migrations\" err=%v", err)
	}
	defer func() {
		if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
			log.Printf("level=warn component=migrate msg=\"failed to close migration resources\" source_err=%v db_err=%v", sourceErr, dbErr)
		}
	}()

	switch command {
	case "up":
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("level=fatal component=migrate msg=\"migration up failed\" err=%v", err)
		} else if err == migrate.ErrNoChange {
			log.Println("level=info component=migrate msg=\"no change: database is up to date\"")
		} else {
			log.Println("level=info component=migrate msg=\"migrations applied\"")
		}

	case "down":
		if err := m.Steps(-1); err != nil {
			log.Fatalf("level=fatal component=migrate msg=\"rollback failed\" err=%v", err)
		}
		log.Println("level=info component=migrate msg=\"rolled back last migration\"")

	case "goto":
		if len(os.Args) < 3 {
			log.Fatalf("level=fatal component=migrate msg=\"version argument is required\"")
		}
		version, err := strconv.ParseUint(os.Args[2], 10, 64)
		if err != nil {
			log.Fatalf("level=fatal component=migrate msg=\"invalid version\" err=%v", err)
		}
		if err := m.Migrate(uint(version)); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("level=fatal component=migrate msg=\"migration to version failed\" version=%d err=%v", version, err)
		}
		log.Printf("level=info component=migrate msg=\"database at version\" version=%d", version)

	case "status":
		version, dirty, err := m.Version()
		if err != nil {
			if err == migrate.ErrNilVersion {
				log.Println("level=info component=migrate msg=\"no migrations applied yet\"")
				return
			}
			log.Fatalf("level=fatal component=migrate msg=\"cannot read version\" err=%v", err)
		}
		log.Printf("level=info component=migrate msg=\"current version\" version=%d dirty=%t", version, dirty)

	default:
		printUsage()
		os.Exit(1)
	}
}

func migrationsDir() string {
	if dir := strings.TrimSpace(os.Getenv("MIGRATIONS_DIR")); dir != "" {
		return dir
	}
	return "migrations"
}

// migrateDatabaseURL rewrites a postgres:// URL to the scheme the pgx/v5 driver registers.
func migrateDatabaseURL(databaseURL string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(databaseURL, prefix) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, prefix)
		}
	}
	return databaseURL
}

func printUsage() {
	fmt.Println("Usage: go run ./cmd/migrate [command]")
	fmt.Println("Commands:")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  goto N - migrate to version N")
	fmt.Println("  status - print the current migration version")
}
