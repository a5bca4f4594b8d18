// Package messaging sends chat messages and keeps read receipts current for
// the thread a user is looking at.
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"duolink/internal/eventstream"
	"duolink/internal/models"
	"duolink/internal/observability"

	"golang.org/x/sync/errgroup"
)

var errNoSignaling = errors.New("messaging: no call signaling configured")

// receiptConcurrency bounds the parallel read-receipt writes of one snapshot.
const receiptConcurrency = 8

// CallCreator opens call sessions.
type CallCreator interface {
	Create(ctx context.Context, callerID, calleeID string, callType models.CallType) (string, error)
}

// Channel reads and writes the messages of chat threads.
type Channel struct {
	client eventstream.Client
	calls  CallCreator
}

// NewChannel returns a Channel. calls may be nil when GetCallSessionID is not used.
func NewChannel(client eventstream.Client, calls CallCreator) *Channel {
	return &Channel{client: client, calls: calls}
}

// ListenForMessages delivers the full message list of threadID, oldest
// first, on every change, and marks the delivered messages read for userID.
func (c *Channel) ListenForMessages(ctx context.Context, threadID, userID string, fn func([]models.Message)) (eventstream.Unsubscribe, error) {
	collection := models.MessagesCollection(threadID)
	logger := observability.NewStreamLogger(collection)
	q := eventstream.From(collection).OrderBy("createdAt", eventstream.Asc)
	logger.LogSubscribe(ctx, "messages", q.String())

	return c.client.Subscribe(ctx, q, func(snap eventstream.Snapshot) {
		messages := make([]models.Message, 0, len(snap.Docs))
		for _, doc := range snap.Docs {
			m, err := models.DecodeMessage(doc.ID, doc.Fields)
			if err != nil {
				observability.SkippedRecords.WithLabelValues("message").Inc()
				logger.LogSkippedRecord(ctx, doc.ID, err)
				continue
			}
			messages = append(messages, m)
		}
		fn(messages)

		if err := c.MarkMessagesAsRead(ctx, messages, threadID, userID); err != nil {
			logger.LogError(ctx, err, "mark_read")
		}
	})
}

// MarkMessagesAsRead adds userID to readBy of every message someone else
// sent that userID has not read yet. Each write is a set union, so
// overlapping calls are safe.
func (c *Channel) MarkMessagesAsRead(ctx context.Context, messages []models.Message, threadID, userID string) error {
	collection := models.MessagesCollection(threadID)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(receiptConcurrency)
	for _, m := range messages {
		if !m.UnreadFor(userID) {
			continue
		}
		id := m.ID
		g.Go(func() error {
			if err := c.client.UnionAppend(gctx, collection, id, "readBy", userID); err != nil {
				return err
			}
			observability.ReadReceipts.Inc()
			return nil
		})
	}
	return g.Wait()
}

// SendMessage appends a text message. Text that trims to nothing is ignored.
// The sender is recorded as having read the message.
func (c *Channel) SendMessage(ctx context.Context, threadID, userID, userName, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return c.send(ctx, threadID, userID, userName, "text", text)
}

// SendImage appends an image message referring to imageURL.
func (c *Channel) SendImage(ctx context.Context, threadID, userID, userName, imageURL string) error {
	imageURL = strings.TrimSpace(imageURL)
	if imageURL == "" {
		return models.NewValidationError("image url is required")
	}
	return c.send(ctx, threadID, userID, userName, "imageUrl", imageURL)
}

func (c *Channel) send(ctx context.Context, threadID, userID, userName, field, value string) error {
	if !models.InThread(threadID, userID) {
		return models.NewUnauthorizedError("You are not a member of this thread")
	}
	id, err := c.client.Create(ctx, models.MessagesCollection(threadID), map[string]any{
		"senderId":  userID,
		"username":  strings.TrimSpace(userName),
		field:       value,
		"createdAt": eventstream.ServerTimestamp,
		"readBy":    []string{userID},
	})
	if err != nil {
		return err
	}
	observability.Logger.DebugContext(ctx, "message sent",
		slog.String("thread_id", threadID),
		slog.String("message_id", id),
	)
	return nil
}

// GetCallSessionID opens a new call session in status incoming and returns its id.
func (c *Channel) GetCallSessionID(ctx context.Context, userID, contactID string, callType models.CallType) (string, error) {
	if c.calls == nil {
		return "", models.NewInternalError(errNoSignaling)
	}
	return c.calls.Create(ctx, userID, contactID, callType)
}
