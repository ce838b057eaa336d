package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/example/parkpos/backend/internal/models"
)

// RedisStore keeps each ticket as a JSON string plus a sorted set indexing
// ticket ids by entry time. Checkout uses WATCH/MULTI on the ticket key.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore wraps a connected client. keyPrefix namespaces every key.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) ticketKey(id uuid.UUID) string {
	return fmt.Sprintf("%s:ticket:%s", s.keyPrefix, id)
}

func (s *RedisStore) indexKey() string {
	return s.keyPrefix + ":tickets:by-entry"
}

// Create stores the ticket with SETNX and then indexes it by entry time.
// When the key already holds this exact ticket, the index write is repeated
// before reporting ErrDuplicateID, so a create whose ZADD failed is healed by
// the caller's retry.
func (s *RedisStore) Create(ctx context.Context, ticket *models.Ticket) error {
	body, err := json.Marshal(ticket)
	if err != nil {
		return errors.Wrap(err, "encode ticket")
	}
	key := s.ticketKey(ticket.ID)
	created, err := s.client.SetNX(ctx, key, string(body), 0).Result()
	if err != nil {
		return unavailable(err, "create ticket")
	}
	if !created {
		stored, err := s.client.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return unavailable(err, "read existing ticket")
		case stored == string(body):
			if err := s.index(ctx, ticket); err != nil {
				return err
			}
		}
		return errors.Wrapf(ErrDuplicateID, "ticket %s", ticket.ID)
	}
	return s.index(ctx, ticket)
}

func (s *RedisStore) index(ctx context.Context, ticket *models.Ticket) error {
	err := s.client.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(ticket.EntryTime.UnixMilli()),
		Member: ticket.ID.String(),
	}).Err()
	if err != nil {
		return unavailable(err, "index ticket")
	}
	return nil
}

// FindByID reads the ticket key; a missing key is ErrNotFound.
func (s *RedisStore) FindByID(ctx context.Context, id uuid.UUID) (*models.Ticket, error) {
	raw, err := s.client.Get(ctx, s.ticketKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.Wrapf(ErrNotFound, "ticket %s", id)
	}
	if err != nil {
		return nil, unavailable(err, "find ticket")
	}
	return decodeTicket(raw)
}

// CompareAndSwap writes next under WATCH on the ticket key. A missing key, a
// different stored status or a concurrent write all report ErrConflict.
func (s *RedisStore) CompareAndSwap(ctx context.Context, id uuid.UUID, expected models.TicketStatus, next *models.Ticket) error {
	key := s.ticketKey(id)
	body, err := json.Marshal(next)
	if err != nil {
		return errors.Wrap(err, "encode ticket")
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return errors.Wrapf(ErrConflict, "ticket %s is not %s", id, expected)
		}
		if err != nil {
			return unavailable(err, "read ticket")
		}
		current, err := decodeTicket(raw)
		if err != nil {
			return err
		}
		if current.Status != expected {
			return errors.Wrapf(ErrConflict, "ticket %s is %s", id, current.Status)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, string(body), 0)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return errors.Wrapf(ErrConflict, "ticket %s changed concurrently", id)
	case errors.Is(err, ErrConflict), errors.Is(err, ErrUnavailable):
		return err
	default:
		return unavailable(err, "update ticket")
	}
}

// List reads ids from the entry-time index newest first, then the tickets in one MGET.
// Ids whose ticket key is gone are skipped.
func (s *RedisStore) List(ctx context.Context, limit int) ([]models.Ticket, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, int64(normalizeLimit(limit)-1)).Result()
	if err != nil {
		return nil, unavailable(err, "list ticket ids")
	}
	if len(ids) == 0 {
		return []models.Ticket{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keyPrefix + ":ticket:" + id
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable(err, "list tickets")
	}
	tickets := make([]models.Ticket, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		ticket, err := decodeTicket([]byte(raw))
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, *ticket)
	}
	return tickets, nil
}

func decodeTicket(raw []byte) (*models.Ticket, error) {
	var ticket models.Ticket
	if err := json.Unmarshal(raw, &ticket); err != nil {
		return nil, errors.Wrap(err, "decode ticket")
	}
	return &ticket, nil
}
