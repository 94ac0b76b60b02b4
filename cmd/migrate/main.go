// This file is used to run database migrations
// How to run:
// go run cmd/migrate/main.go
package main

import (
	"log"

	"github.com/joho/godotenv"

	"github.com/clyro-labs/enroller/internal/db"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	gormDB, err := db.NewFromEnv()
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := db.Migrate(gormDB); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("Migrations applied")
}
