// Package seed fills a database with demo users, invitations, contacts and
// conversations. It drives the same operations the application uses, so the
// seeded records look exactly like real ones. Development and testing only.
package seed

import (
	"context"
	"fmt"
	"log/slog"

	"duolink/internal/cache"
	"duolink/internal/eventstream"
	"duolink/internal/messaging"
	"duolink/internal/models"
	"duolink/internal/observability"
	"duolink/internal/relationship"
	"duolink/internal/users"

	"github.com/brianvoe/gofakeit/v6"
	"gorm.io/gorm"
)

// Options configures a seeding run.
type Options struct {
	NumUsers int
	// ContactsPerUser is how many following users each user invites.
	ContactsPerUser int
	// MessagesPerThread is the length of every seeded conversation.
	MessagesPerThread int
	// PendingEvery leaves every Nth invitation unanswered. Zero accepts all.
	PendingEvery int
	ShouldClean  bool
	// Seed makes a run reproducible. Zero picks a random seed.
	Seed int64
}

// DefaultOptions are the values used by the seed command.
var DefaultOptions = Options{
	NumUsers:          12,
	ContactsPerUser:   3,
	MessagesPerThread: 8,
	PendingEvery:      4,
	ShouldClean:       true,
}

// Summary counts what a run created.
type Summary struct {
	Users       int
	Invitations int
	Contacts    int
	Messages    int
}

// Seeder creates demo data.
type Seeder struct {
	db            *gorm.DB
	store         *eventstream.Store
	directory     *users.Directory
	relationships *relationship.Manager
	messages      *messaging.Channel
	faker         *gofakeit.Faker
}

// NewSeeder binds a Seeder to db.
func NewSeeder(db *gorm.DB, seed int64) *Seeder {
	store := eventstream.NewStore(db, eventstream.NewLocalFeed())
	directory := users.NewDirectory(store, cache.New(nil))
	return &Seeder{
		db:            db,
		store:         store,
		directory:     directory,
		relationships: relationship.NewManager(store, directory),
		messages:      messaging.NewChannel(store, nil),
		faker:         gofakeit.New(seed),
	}
}

// ClearAll removes every document.
func (s *Seeder) ClearAll() error {
	if err := s.db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&eventstream.Record{}).Error; err != nil {
		return fmt.Errorf("clear documents: %w", err)
	}
	observability.Logger.Info("cleared all documents")
	return nil
}

// Run seeds users, then connects them, then fills their conversations.
func (s *Seeder) Run(ctx context.Context, opts Options) (Summary, error) {
	var sum Summary
	if opts.ShouldClean {
		if err := s.ClearAll(); err != nil {
			return sum, err
		}
	}

	people, err := s.SeedUsers(ctx, opts.NumUsers)
	if err != nil {
		return sum, err
	}
	sum.Users = len(people)

	pairs, invited, err := s.SeedContacts(ctx, people, opts.ContactsPerUser, opts.PendingEvery)
	if err != nil {
		return sum, err
	}
	sum.Invitations = invited
	sum.Contacts = 2 * len(pairs)

	for _, p := range pairs {
		n, err := s.SeedConversation(ctx, p[0], p[1], opts.MessagesPerThread)
		if err != nil {
			return sum, err
		}
		sum.Messages += n
	}

	observability.Logger.Info("seeding complete",
		slog.Int("users", sum.Users),
		slog.Int("invitations", sum.Invitations),
		slog.Int("contacts", sum.Contacts),
		slog.Int("messages", sum.Messages),
	)
	return sum, nil
}

// SeedUsers registers n users with fake names and avatars.
func (s *Seeder) SeedUsers(ctx context.Context, n int) ([]models.User, error) {
	out := make([]models.User, 0, n)
	for i := 0; i < n; i++ {
		id := s.faker.UUID()
		user, _, err := s.directory.Register(ctx, users.RegisterInput{
			ID:         id,
			Name:       s.faker.Name(),
			Email:      s.faker.Email(),
			ProfilePic: fmt.Sprintf("https://i.pravatar.cc/150?u=%s", id),
		})
		if err != nil {
			return nil, fmt.Errorf("register user %d: %w", i, err)
		}
		out = append(out, user)
	}
	return out, nil
}

// SeedContacts has each user invite the next perUser users (wrapping around)
// and accepts the invitations, leaving every pendingEvery-th one pending. It
// returns the connected pairs and the number of invitations sent.
func (s *Seeder) SeedContacts(ctx context.Context, people []models.User, perUser, pendingEvery int) ([][2]models.User, int, error) {
	if perUser >= len(people) {
		perUser = len(people) - 1
	}

	seen := map[string]bool{}
	var pairs [][2]models.User
	sent := 0
	for i, from := range people {
		for k := 1; k <= perUser; k++ {
			to := people[(i+k)%len(people)]
			key := models.ThreadID(from.ID, to.ID)
			if seen[key] {
				continue
			}
			seen[key] = true

			res, err := s.relationships.SendInvitation(ctx, from.ID, from.Name, to.InvitationCode)
			if err != nil {
				return nil, sent, fmt.Errorf("invite %s: %w", to.ID, err)
			}
			if !res.OK {
				return nil, sent, fmt.Errorf("invite %s: %s", to.ID, res.Message)
			}
			sent++

			if pendingEvery > 0 && sent%pendingEvery == 0 {
				continue
			}
			if err := s.relationships.AcceptInvitation(ctx, to.ID, res.Invitation.ID, from.ID); err != nil {
				return nil, sent, fmt.Errorf("accept %s: %w", res.Invitation.ID, err)
			}
			pairs = append(pairs, [2]models.User{from, to})
		}
	}
	return pairs, sent, nil
}

// SeedConversation alternates n messages between a and b. About one in six is
// an image.
func (s *Seeder) SeedConversation(ctx context.Context, a, b models.User, n int) (int, error) {
	threadID := models.ThreadID(a.ID, b.ID)
	for i := 0; i < n; i++ {
		sender := a
		if i%2 == 1 {
			sender = b
		}

		var err error
		if s.faker.Number(1, 6) == 1 {
			err = s.messages.SendImage(ctx, threadID, sender.ID, sender.Name,
				fmt.Sprintf("https://picsum.photos/seed/%s/800/600", s.faker.UUID()))
		} else {
			err = s.messages.SendMessage(ctx, threadID, sender.ID, sender.Name, s.faker.Sentence(s.faker.Number(3, 12)))
		}
		if err != nil {
			return i, fmt.Errorf("message %d in %s: %w", i, threadID, err)
		}
	}
	return n, nil
}
