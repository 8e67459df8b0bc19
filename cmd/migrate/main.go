package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/permitdesk/staffsec/internal/migrate"
	"github.com/permitdesk/staffsec/internal/risk"
	"github.com/permitdesk/staffsec/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn            = flag.String("dsn", os.Getenv("STAFFSEC_PG_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "Directory of SQL migrations (embedded set when empty)")
		seedsPath      = flag.String("seeds", "", "Directory of SQL seeds (embedded set when empty)")
		schedulesFile  = flag.String("file", "", "Office hours YAML for the schedules command")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or STAFFSEC_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status|schedules -file office_hours.yaml]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	migrations, seeds := migrate.Embedded()
	if *migrationsPath != "" {
		migrations = migrate.Dir(*migrationsPath)
	}
	if *seedsPath != "" {
		seeds = migrate.Dir(*seedsPath)
	}
	mgr := migrate.NewManager(store.DB(), migrations, seeds)

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	case "schedules":
		err = importSchedules(ctx, store, *schedulesFile)
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

// importSchedules stores every office of an office hours file, replacing
// existing documents.
func importSchedules(ctx context.Context, store *pg.Store, path string) error {
	if path == "" {
		return errors.New("-file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	docs, err := risk.SplitOffices(data)
	if err != nil {
		return err
	}
	offices := make([]string, 0, len(docs))
	for office := range docs {
		offices = append(offices, office)
	}
	sort.Strings(offices)
	for _, office := range offices {
		if err := store.PutSchedule(ctx, office, docs[office]); err != nil {
			return fmt.Errorf("office %s: %w", office, err)
		}
		fmt.Println("stored", office)
	}
	return nil
}
