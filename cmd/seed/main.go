// Command seed fills the database with demo users, contacts and conversations.
package main

import (
	"context"
	"flag"
	"log"

	"duolink/internal/config"
	"duolink/internal/database"
	"duolink/internal/observability"
	"duolink/internal/seed"
)

func main() {
	opts := seed.DefaultOptions
	flag.IntVar(&opts.NumUsers, "users", opts.NumUsers, "Number of users to create")
	flag.IntVar(&opts.ContactsPerUser, "contacts", opts.ContactsPerUser, "Invitations sent by each user")
	flag.IntVar(&opts.MessagesPerThread, "messages", opts.MessagesPerThread, "Messages per conversation")
	flag.IntVar(&opts.PendingEvery, "pending-every", opts.PendingEvery, "Leave every Nth invitation pending (0 accepts all)")
	flag.BoolVar(&opts.ShouldClean, "clean", opts.ShouldClean, "Clean database before seeding")
	flag.Int64Var(&opts.Seed, "seed", 0, "Random seed (0 picks one)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	observability.SetupLogger(cfg.Env, cfg.LogLevel)

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	s := seed.NewSeeder(db, opts.Seed)
	sum, err := s.Run(context.Background(), opts)
	if err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}

	log.Printf("Seeded %d users, %d invitations, %d contacts, %d messages",
		sum.Users, sum.Invitations, sum.Contacts, sum.Messages)
}
