// Package relationship owns invitations and contacts. Accepting an
// invitation turns it into a symmetric pair of contact edges.
package relationship

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"duolink/internal/eventstream"
	"duolink/internal/models"
	"duolink/internal/observability"

	"golang.org/x/sync/errgroup"
)

// User-visible outcomes of SendInvitation.
const (
	MsgInvitationSent = "Invitation sent successfully."
	MsgNoUserFound    = "No user found with this code."
	MsgInviteSelf     = "You cannot invite yourself."
	MsgSendFailed     = "Failed to send invitation. Please try again."
)

// UnknownName is shown for a contact whose profile cannot be resolved.
const UnknownName = "Unknown"

// Profiles resolves user records.
type Profiles interface {
	Get(ctx context.Context, id string) (models.User, error)
	FindByInvitationCode(ctx context.Context, code string) (models.User, bool, error)
}

// SendResult is the outcome of SendInvitation as shown to the sender.
type SendResult struct {
	OK         bool               `json:"success"`
	Message    string             `json:"message"`
	Invitation *models.Invitation `json:"invitation,omitempty"`
}

// Manager provides invitation and contact operations.
type Manager struct {
	client   eventstream.Client
	profiles Profiles
	now      func() time.Time
}

// NewManager returns a new Manager.
func NewManager(client eventstream.Client, profiles Profiles) *Manager {
	return &Manager{client: client, profiles: profiles, now: time.Now}
}

// SendInvitation looks up the holder of code and creates a pending invitation
// to them. An unknown code is reported in the result, not as an error.
// Repeated invitations between the same pair are allowed.
func (m *Manager) SendInvitation(ctx context.Context, fromUserID, fromUserName, code string) (SendResult, error) {
	target, found, err := m.profiles.FindByInvitationCode(ctx, code)
	if err != nil {
		return SendResult{Message: MsgSendFailed}, err
	}
	if !found {
		return SendResult{Message: MsgNoUserFound}, nil
	}
	if target.ID == fromUserID {
		return SendResult{Message: MsgInviteSelf}, nil
	}

	inv := models.Invitation{
		FromUserID:   fromUserID,
		FromUserName: trimName(fromUserName),
		ToUserID:     target.ID,
		ToUserName:   trimName(target.Name),
		Status:       models.InvitationStatusPending,
		CreatedAt:    m.now().UTC(),
	}
	id, err := m.client.Create(ctx, models.CollectionInvitations, map[string]any{
		"fromUserId":   inv.FromUserID,
		"fromUserName": inv.FromUserName,
		"toUserId":     inv.ToUserID,
		"toUserName":   inv.ToUserName,
		"status":       inv.Status,
		"createdAt":    inv.CreatedAt,
	})
	if err != nil {
		return SendResult{Message: MsgSendFailed}, err
	}
	inv.ID = id

	observability.InvitationEvents.WithLabelValues("sent").Inc()
	observability.Logger.InfoContext(ctx, "invitation sent",
		slog.String("invitation_id", id),
		slog.String("from_user_id", fromUserID),
		slog.String("to_user_id", target.ID),
	)
	return SendResult{OK: true, Message: MsgInvitationSent, Invitation: &inv}, nil
}

// GetInvitation returns an invitation by id.
func (m *Manager) GetInvitation(ctx context.Context, invitationID string) (models.Invitation, error) {
	doc, ok, err := m.client.Get(ctx, models.CollectionInvitations, invitationID)
	if err != nil {
		return models.Invitation{}, err
	}
	if !ok {
		return models.Invitation{}, models.NewNotFoundError("invitation", invitationID)
	}
	return models.DecodeInvitation(doc.ID, doc.Fields)
}

// AcceptInvitation marks the invitation accepted, then writes both contact
// edges with one shared timestamp. The writes are not transactional: if an
// edge write fails after the status write, a PARTIAL_WRITE_FAILURE error is
// returned and nothing is rolled back.
func (m *Manager) AcceptInvitation(ctx context.Context, userID, invitationID, fromUserID string) error {
	inv, err := m.GetInvitation(ctx, invitationID)
	if err != nil {
		return err
	}
	if inv.ToUserID != userID {
		return models.NewUnauthorizedError("You can only accept invitations sent to you")
	}
	if inv.FromUserID != fromUserID {
		return models.NewValidationError("Invitation was not sent by this user")
	}
	if inv.Status != models.InvitationStatusPending {
		return models.NewValidationError("Invitation is not pending")
	}

	if err := m.client.Update(ctx, models.CollectionInvitations, invitationID, map[string]any{
		"status": models.InvitationStatusAccepted,
	}); err != nil {
		return err
	}

	createdAt := m.now().UTC()
	if _, err := m.createEdge(ctx, userID, fromUserID, createdAt); err != nil {
		return models.NewPartialWriteError("invitation accepted but contacts were not created", err)
	}
	if _, err := m.createEdge(ctx, fromUserID, userID, createdAt); err != nil {
		observability.Logger.ErrorContext(ctx, "reciprocal contact missing",
			slog.String("invitation_id", invitationID),
			slog.String("user_id", fromUserID),
			slog.String("contact_id", userID),
			slog.String("error", err.Error()),
		)
		return models.NewPartialWriteError("reciprocal contact was not created", err)
	}

	observability.InvitationEvents.WithLabelValues("accepted").Inc()
	return nil
}

func (m *Manager) createEdge(ctx context.Context, userID, contactID string, createdAt time.Time) (string, error) {
	return m.client.Create(ctx, models.CollectionContacts, map[string]any{
		"userId":    userID,
		"contactId": contactID,
		"createdAt": createdAt,
	})
}

// RejectInvitation deletes the invitation. No rejection record is kept.
func (m *Manager) RejectInvitation(ctx context.Context, invitationID string) error {
	if err := m.client.Delete(ctx, models.CollectionInvitations, invitationID); err != nil {
		return err
	}
	observability.InvitationEvents.WithLabelValues("rejected").Inc()
	return nil
}

// ListenToContacts calls fn with the user's full contact list, newest first,
// on every change. Records that fail to decode are logged and skipped.
func (m *Manager) ListenToContacts(ctx context.Context, userID string, fn func([]models.Contact)) (eventstream.Unsubscribe, error) {
	q := eventstream.From(models.CollectionContacts).Where("userId", userID)
	logger := observability.NewStreamLogger(models.CollectionContacts)

	return m.client.Subscribe(ctx, q, func(snap eventstream.Snapshot) {
		contacts := make([]models.Contact, 0, len(snap.Docs))
		for _, doc := range snap.Docs {
			c, err := models.DecodeContact(doc.ID, doc.Fields)
			if err != nil {
				observability.SkippedRecords.WithLabelValues("contact").Inc()
				logger.LogSkippedRecord(ctx, doc.ID, err)
				continue
			}
			contacts = append(contacts, c)
		}
		m.resolveProfiles(ctx, contacts)
		SortContacts(contacts)
		fn(contacts)
	})
}

func (m *Manager) resolveProfiles(ctx context.Context, contacts []models.Contact) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range contacts {
		g.Go(func() error {
			u, err := m.profiles.Get(gctx, contacts[i].ContactID)
			if err != nil {
				observability.Logger.WarnContext(gctx, "contact profile unavailable",
					slog.String("contact_id", contacts[i].ContactID),
					slog.String("error", err.Error()),
				)
				contacts[i].Name = UnknownName
				return nil
			}
			contacts[i].Name = u.Name
			contacts[i].ProfilePic = u.ProfilePic
			return nil
		})
	}
	_ = g.Wait()
}

// SortContacts orders contacts by createdAt descending, then by contact id.
func SortContacts(contacts []models.Contact) {
	sort.SliceStable(contacts, func(i, j int) bool {
		if !contacts[i].CreatedAt.Equal(contacts[j].CreatedAt) {
			return contacts[i].CreatedAt.After(contacts[j].CreatedAt)
		}
		return contacts[i].ContactID < contacts[j].ContactID
	})
}

// ListenForInvitations calls fn with the pending invitations addressed to userID.
func (m *Manager) ListenForInvitations(ctx context.Context, userID string, fn func([]models.Invitation)) (eventstream.Unsubscribe, error) {
	q := eventstream.From(models.CollectionInvitations).
		Where("toUserId", userID).
		Where("status", models.InvitationStatusPending)
	return m.listenInvitations(ctx, q, fn)
}

// ListenForSentInvitations calls fn with the pending invitations userID sent.
func (m *Manager) ListenForSentInvitations(ctx context.Context, userID string, fn func([]models.Invitation)) (eventstream.Unsubscribe, error) {
	q := eventstream.From(models.CollectionInvitations).
		Where("fromUserId", userID).
		Where("status", models.InvitationStatusPending)
	return m.listenInvitations(ctx, q, fn)
}

func (m *Manager) listenInvitations(ctx context.Context, q eventstream.Query, fn func([]models.Invitation)) (eventstream.Unsubscribe, error) {
	logger := observability.NewStreamLogger(models.CollectionInvitations)
	q = q.OrderBy("createdAt", eventstream.Desc)

	return m.client.Subscribe(ctx, q, func(snap eventstream.Snapshot) {
		invitations := make([]models.Invitation, 0, len(snap.Docs))
		for _, doc := range snap.Docs {
			inv, err := models.DecodeInvitation(doc.ID, doc.Fields)
			if err != nil {
				observability.SkippedRecords.WithLabelValues("invitation").Inc()
				logger.LogSkippedRecord(ctx, doc.ID, err)
				continue
			}
			invitations = append(invitations, inv)
		}
		fn(invitations)
	})
}

// CheckInvitationStatus reports whether userID has a pending invitation to
// the holder of code, so a client can warn before sending a duplicate.
func (m *Manager) CheckInvitationStatus(ctx context.Context, userID, code string) (pending bool, err error) {
	target, found, err := m.profiles.FindByInvitationCode(ctx, code)
	if err != nil || !found {
		return false, err
	}
	docs, err := m.client.Query(ctx, eventstream.From(models.CollectionInvitations).
		Where("fromUserId", userID).
		Where("toUserId", target.ID).
		Where("status", models.InvitationStatusPending))
	if err != nil {
		return false, err
	}
	return len(docs) > 0, nil
}

func trimName(name string) string {
	if name = strings.TrimSpace(name); name == "" {
		return UnknownName
	}
	return name
}
