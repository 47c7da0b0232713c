// migrate applies or rolls back the schema.
// Run: go run ./cmd/migrate [up|down|version]
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/infrastructure/postgres"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	cmd := "up"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	mg, err := postgres.NewMigrator(dbURL)
	if err != nil {
		log.Fatalf("migrator: %v", err)
	}
	defer func() { _ = mg.Close() }()

	switch cmd {
	case "up":
		err = mg.Up()
	case "down":
		err = mg.Down()
	case "version":
		var (
			v     uint
			dirty bool
		)
		v, dirty, err = mg.Version()
		if err == nil {
			fmt.Printf("version=%d dirty=%t\n", v, dirty)
		}
	default:
		log.Fatalf("unknown command %q (want up, down or version)", cmd)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}
