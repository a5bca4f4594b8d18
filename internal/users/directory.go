// Package users is the user directory: registration on first sign-in,
// profile lookup by id or invitation code, and profile subscriptions.
package users

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"duolink/internal/cache"
	"duolink/internal/eventstream"
	"duolink/internal/models"
	"duolink/internal/observability"
)

// ErrCodeSpaceExhausted is returned when no free invitation code was found.
var ErrCodeSpaceExhausted = errors.New("could not allocate a unique invitation code")

// RegisterInput is the identity handed over by the sign-in provider.
type RegisterInput struct {
	ID         string
	Name       string
	Email      string
	ProfilePic string
}

// Directory reads and writes user records.
type Directory struct {
	client       eventstream.Client
	cache        *cache.Cache
	ttl          time.Duration
	codeAttempts int
	newCode      func() string
}

// Option configures a Directory.
type Option func(*Directory)

// WithProfileTTL sets how long profiles stay cached.
func WithProfileTTL(ttl time.Duration) Option {
	return func(d *Directory) { d.ttl = ttl }
}

// WithCodeAttempts bounds invitation code collision retries.
func WithCodeAttempts(n int) Option {
	return func(d *Directory) { d.codeAttempts = n }
}

// WithCodeGenerator replaces the invitation code generator.
func WithCodeGenerator(gen func() string) Option {
	return func(d *Directory) { d.newCode = gen }
}

// NewDirectory creates a Directory. c may wrap a nil Redis client.
func NewDirectory(client eventstream.Client, c *cache.Cache, opts ...Option) *Directory {
	d := &Directory{
		client:       client,
		cache:        c,
		ttl:          5 * time.Minute,
		codeAttempts: 10,
		newCode:      models.GenerateInvitationCode,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register creates the user on first sign-in. An existing user is returned
// unchanged; created reports whether a record was written.
func (d *Directory) Register(ctx context.Context, in RegisterInput) (user models.User, created bool, err error) {
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		return models.User{}, false, models.NewValidationError("user id is required")
	}

	doc, ok, err := d.client.Get(ctx, models.CollectionUsers, in.ID)
	if err != nil {
		return models.User{}, false, err
	}
	if ok {
		u, err := models.DecodeUser(doc.ID, doc.Fields)
		return u, false, err
	}

	code, err := d.allocateCode(ctx)
	if err != nil {
		return models.User{}, false, err
	}

	fields := map[string]any{
		"name":           in.Name,
		"email":          in.Email,
		"profilePic":     in.ProfilePic,
		"invitationCode": code,
		"createdAt":      eventstream.ServerTimestamp,
	}
	if err := d.client.Set(ctx, models.CollectionUsers, in.ID, fields); err != nil {
		return models.User{}, false, err
	}

	observability.Logger.InfoContext(ctx, "user registered",
		slog.String("user_id", in.ID),
		slog.String("invitation_code", code),
	)
	u, err := d.Get(ctx, in.ID)
	return u, true, err
}

func (d *Directory) allocateCode(ctx context.Context) (string, error) {
	for i := 0; i < d.codeAttempts; i++ {
		code := d.newCode()
		docs, err := d.client.Query(ctx, eventstream.From(models.CollectionUsers).Where("invitationCode", code))
		if err != nil {
			return "", err
		}
		if len(docs) == 0 {
			return code, nil
		}
	}
	return "", models.NewInternalError(ErrCodeSpaceExhausted)
}

// Get returns the user with id, or a NOT_FOUND error.
func (d *Directory) Get(ctx context.Context, id string) (models.User, error) {
	var u models.User
	found, err := d.cache.Aside(ctx, cache.UserProfileKey(id), &u, d.ttl, func() (bool, error) {
		doc, ok, err := d.client.Get(ctx, models.CollectionUsers, id)
		if err != nil || !ok {
			return false, err
		}
		u, err = models.DecodeUser(doc.ID, doc.Fields)
		return err == nil, err
	})
	if err != nil {
		return models.User{}, err
	}
	if !found {
		return models.User{}, models.NewNotFoundError("user", id)
	}
	return u, nil
}

// FindByInvitationCode resolves an invitation code. found is false when no
// user holds the code.
func (d *Directory) FindByInvitationCode(ctx context.Context, code string) (user models.User, found bool, err error) {
	code = models.NormalizeInvitationCode(code)
	if len(code) != models.InvitationCodeLength {
		return models.User{}, false, nil
	}

	var id string
	if ok, _ := d.cache.GetJSON(ctx, cache.InvitationCodeKey(code), &id); ok {
		if u, err := d.Get(ctx, id); err == nil {
			return u, true, nil
		}
	}

	docs, err := d.client.Query(ctx, eventstream.From(models.CollectionUsers).Where("invitationCode", code))
	if err != nil {
		return models.User{}, false, err
	}
	if len(docs) == 0 {
		return models.User{}, false, nil
	}
	u, err := models.DecodeUser(docs[0].ID, docs[0].Fields)
	if err != nil {
		return models.User{}, false, err
	}
	_ = d.cache.SetJSON(ctx, cache.InvitationCodeKey(code), u.ID, d.ttl)
	return u, true, nil
}

// UpdateProfile refreshes the display name and avatar. Empty values are left unchanged.
func (d *Directory) UpdateProfile(ctx context.Context, id, name, profilePic string) error {
	fields := map[string]any{}
	if name != "" {
		fields["name"] = name
	}
	if profilePic != "" {
		fields["profilePic"] = profilePic
	}
	if len(fields) == 0 {
		return nil
	}
	if err := d.client.Update(ctx, models.CollectionUsers, id, fields); err != nil {
		return err
	}
	return d.cache.Delete(ctx, cache.UserProfileKey(id))
}

// WatchProfile calls fn with the user's current profile on every change.
// found is false while the user record does not exist.
func (d *Directory) WatchProfile(ctx context.Context, id string, fn func(user models.User, found bool)) (eventstream.Unsubscribe, error) {
	logger := observability.NewStreamLogger(models.CollectionUsers)
	q := eventstream.From(models.CollectionUsers).Where(eventstream.DocumentID, id)

	return d.client.Subscribe(ctx, q, func(snap eventstream.Snapshot) {
		if len(snap.Docs) == 0 {
			fn(models.User{ID: id}, false)
			return
		}
		u, err := models.DecodeUser(snap.Docs[0].ID, snap.Docs[0].Fields)
		if err != nil {
			observability.SkippedRecords.WithLabelValues("user").Inc()
			logger.LogSkippedRecord(ctx, id, err)
			return
		}
		fn(u, true)
	})
}
