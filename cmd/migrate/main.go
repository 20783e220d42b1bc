package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"carebid.org/internal/migrate"
)

func main() {
	log.SetFlags(0)
	var (
		dsn            = flag.String("dsn", os.Getenv("CAREBID_PG_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "migrations/sql", "Path to SQL migrations")
		seedsPath      = flag.String("seeds", "migrations/seeds", "Path to SQL seeds")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or CAREBID_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	runner := migrate.New(db, *migrationsPath, *seedsPath)

	switch cmd := flag.Arg(0); cmd {
	case "up":
		applied, err := runner.Up(ctx)
		exitOn(cmd, err)
		for _, name := range applied {
			fmt.Println("applied", name)
		}
	case "down":
		name, err := runner.Down(ctx)
		exitOn(cmd, err)
		fmt.Println("rolled back", name)
	case "seed":
		applied, err := runner.Seed(ctx)
		exitOn(cmd, err)
		for _, name := range applied {
			fmt.Println("seeded", name)
		}
	case "status":
		history, err := runner.Status(ctx)
		exitOn(cmd, err)
		for _, rec := range history {
			fmt.Printf("%s\t%s\n", rec.AppliedAt.Format(time.RFC3339), rec.Name)
		}
	default:
		log.Fatalf("unknown command %q", cmd)
	}
}

func exitOn(cmd string, err error) {
	if err != nil {
		log.Fatalf("migrate %s: %v", cmd, err)
	}
}
