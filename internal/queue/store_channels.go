package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"loom/internal/channel"
)

var _ channel.Broker = (*Store)(nil)

// Declare creates the channel if it does not exist.
func (s *Store) Declare(ctx context.Context, name string) error {
	if _, err := s.execWithRetry(ctx,
		`INSERT OR IGNORE INTO channels (name, created_at) VALUES (?, ?)`,
		name, s.now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("declare channel %s: %w", name, err)
	}
	return nil
}

// Publish appends body to the channel.
func (s *Store) Publish(ctx context.Context, name string, body []byte) error {
	now := s.now().UTC()
	res, err := s.execWithRetry(ctx,
		`INSERT INTO channel_messages (channel, body, visible_at, created_at)
         SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM channels WHERE name = ?)`,
		name, body, now.UnixNano(), now.Format(time.RFC3339Nano), name,
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("publish to %s: %w", name, channel.ErrUnknownChannel)
	}
	return nil
}

// Get claims the oldest visible message. A claimed message becomes visible
// again once the store's visibility timeout lapses without an Ack.
func (s *Store) Get(ctx context.Context, name string) (channel.Delivery, bool, error) {
	ctx = ensureContext(ctx)
	now := s.now().UTC()
	token := uuid.NewString()

	var (
		id       int64
		body     []byte
		attempts int
		found    bool
	)
	err := retryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`UPDATE channel_messages
             SET attempts = attempts + 1, claim_token = ?, visible_at = ?
             WHERE id = (
                 SELECT id FROM channel_messages
                 WHERE channel = ? AND visible_at <= ?
                 ORDER BY id LIMIT 1
             )
             RETURNING id, body, attempts`,
			token, now.Add(s.visibility).UnixNano(), name, now.UnixNano(),
		)
		scanErr := row.Scan(&id, &body, &attempts)
		switch {
		case errors.Is(scanErr, sql.ErrNoRows):
			found = false
			return nil
		case scanErr != nil:
			return scanErr
		default:
			found = true
			return nil
		}
	})
	if err != nil {
		return channel.Delivery{}, false, fmt.Errorf("get from %s: %w", name, err)
	}
	if !found {
		if err := s.requireChannel(ctx, name); err != nil {
			return channel.Delivery{}, false, err
		}
		return channel.Delivery{}, false, nil
	}
	return channel.Delivery{
		ID:      deliveryID(id, token),
		Channel: name,
		Body:    body,
		Attempt: attempts,
	}, true, nil
}

// Ack removes a claimed message. Acks for claims that lapsed and were
// re-claimed by another receiver fail with channel.ErrUnknownDelivery.
func (s *Store) Ack(ctx context.Context, d channel.Delivery) error {
	id, token, err := parseDeliveryID(d.ID)
	if err != nil {
		return err
	}
	res, err := s.execWithRetry(ctx,
		`DELETE FROM channel_messages WHERE id = ? AND claim_token = ?`, id, token)
	if err != nil {
		return fmt.Errorf("ack %s/%s: %w", d.Channel, d.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ack %s/%s: %w", d.Channel, d.ID, channel.ErrUnknownDelivery)
	}
	return nil
}

// Nack releases a claim so the message is immediately visible again.
func (s *Store) Nack(ctx context.Context, d channel.Delivery) error {
	id, token, err := parseDeliveryID(d.ID)
	if err != nil {
		return err
	}
	res, err := s.execWithRetry(ctx,
		`UPDATE channel_messages SET claim_token = NULL, visible_at = ? WHERE id = ? AND claim_token = ?`,
		s.now().UTC().UnixNano(), id, token)
	if err != nil {
		return fmt.Errorf("nack %s/%s: %w", d.Channel, d.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("nack %s/%s: %w", d.Channel, d.ID, channel.ErrUnknownDelivery)
	}
	return nil
}

// Purge drops every message on the channel, claimed or not.
func (s *Store) Purge(ctx context.Context, name string) error {
	if _, err := s.execWithRetry(ctx, `DELETE FROM channel_messages WHERE channel = ?`, name); err != nil {
		return fmt.Errorf("purge %s: %w", name, err)
	}
	return nil
}

// Delete removes the channel and its messages.
func (s *Store) Delete(ctx context.Context, name string) error {
	if _, err := s.execWithRetry(ctx, `DELETE FROM channels WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete channel %s: %w", name, err)
	}
	return nil
}

// ChannelDepth reports messages per channel, visible and claimed.
type ChannelDepth struct {
	Name    string
	Ready   int
	Claimed int
}

// Depths lists every declared channel with its message counts.
func (s *Store) Depths(ctx context.Context) ([]ChannelDepth, error) {
	now := s.now().UTC().UnixNano()
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT c.name,
                COALESCE(SUM(CASE WHEN m.visible_at <= ? THEN 1 ELSE 0 END), 0),
                COALESCE(SUM(CASE WHEN m.visible_at > ? THEN 1 ELSE 0 END), 0)
         FROM channels c LEFT JOIN channel_messages m ON m.channel = c.name
         GROUP BY c.name ORDER BY c.name`, now, now)
	if err != nil {
		return nil, fmt.Errorf("channel depths: %w", err)
	}
	defer rows.Close()

	var out []ChannelDepth
	for rows.Next() {
		var d ChannelDepth
		if err := rows.Scan(&d.Name, &d.Ready, &d.Claimed); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ReleaseClaims makes every claimed message on the channel visible again.
// The coordinator calls it when replacing a dead task manager so work the
// old instance held is not stuck behind the visibility timeout.
func (s *Store) ReleaseClaims(ctx context.Context, name string) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE channel_messages SET claim_token = NULL, visible_at = ?
         WHERE channel = ? AND claim_token IS NOT NULL`,
		s.now().UTC().UnixNano(), name)
	if err != nil {
		return 0, fmt.Errorf("release claims on %s: %w", name, err)
	}
	return res.RowsAffected()
}

func (s *Store) requireChannel(ctx context.Context, name string) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM channels WHERE name = ?`, name).Scan(&count); err != nil {
		return fmt.Errorf("lookup channel %s: %w", name, err)
	}
	if count == 0 {
		return fmt.Errorf("%s: %w", name, channel.ErrUnknownChannel)
	}
	return nil
}

func deliveryID(id int64, token string) string {
	return strconv.FormatInt(id, 10) + ":" + token
}

func parseDeliveryID(value string) (int64, string, error) {
	rawID, token, ok := strings.Cut(value, ":")
	if !ok {
		return 0, "", fmt.Errorf("delivery %q: %w", value, channel.ErrUnknownDelivery)
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("delivery %q: %w", value, channel.ErrUnknownDelivery)
	}
	return id, token, nil
}
