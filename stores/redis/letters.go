// Package redis stores letters as redis hashes keyed "letter:<id>". Letters
// created with an owner are also indexed in the set "owner:<owner>:letters".
package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"letter-collab/core"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const keyPrefix = "letter:"

type letterStore struct {
	rdb *redis.Client
}

func NewDocumentStore(addr string) (core.DocumentStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return &letterStore{rdb: rdb}, nil
}

func key(id string) string { return keyPrefix + id }

func ownerKey(ownerID string) string { return "owner:" + ownerID + ":letters" }

func (s *letterStore) Get(ctx context.Context, id string) (*core.Letter, error) {
	log := logrus.WithField("letter_id", id)

	fields, err := s.rdb.HGetAll(ctx, key(id)).Result()
	if err != nil {
		log.WithField("error", err).Error("Failed to retrieve letter")
		return nil, err
	}
	if len(fields) == 0 {
		log.Debug("Letter not found")
		return nil, core.ErrLetterNotFound
	}
	return decode(id, fields), nil
}

func decode(id string, fields map[string]string) *core.Letter {
	return &core.Letter{
		ID:          id,
		OwnerID:     fields["owner_id"],
		Title:       fields["title"],
		Content:     fields["content"],
		ExternalRef: fields["external_ref"],
		CreatedAt:   parseMillis(fields["created_at"]),
		UpdatedAt:   parseMillis(fields["updated_at"]),
	}
}

func (s *letterStore) Create(ctx context.Context, letter *core.Letter) (string, error) {
	id := ulid.Make().String()
	now := time.Now().UnixMilli()
	log := logrus.WithFields(logrus.Fields{
		"letter_id":      id,
		"content_length": len(letter.Content),
	})

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key(id), map[string]any{
			"owner_id":     letter.OwnerID,
			"title":        letter.Title,
			"content":      letter.Content,
			"external_ref": letter.ExternalRef,
			"created_at":   now,
			"updated_at":   now,
		})
		pipe.SAdd(ctx, ownerKey(letter.OwnerID), id)
		return nil
	})
	if err != nil {
		log.WithField("error", err).Error("Failed to create letter")
		return "", err
	}
	log.Info("Letter created successfully")
	return id, nil
}

// Put replaces the content of id, creating the letter if it does not exist.
func (s *letterStore) Put(ctx context.Context, id, content string) error {
	if id == "" {
		return core.ErrInvalidID
	}
	now := time.Now().UnixMilli()
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key(id), "created_at", now)
		pipe.HSet(ctx, key(id), "content", content, "updated_at", now)
		return nil
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"letter_id": id,
			"error":     err,
		}).Error("Failed to store letter")
	}
	return err
}

func (s *letterStore) SetExternalRef(ctx context.Context, id, ref string) error {
	k := key(id)
	// WATCH keeps a concurrent delete from resurrecting a partial hash.
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, k).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return core.ErrLetterNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, k, "external_ref", ref, "updated_at", time.Now().UnixMilli())
			return nil
		})
		return err
	}, k)
}

func (s *letterStore) List(ctx context.Context, ownerID string) ([]*core.Letter, error) {
	ids, err := s.rdb.SMembers(ctx, ownerKey(ownerID)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*core.Letter{}, nil
	}

	cmds, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.HGetAll(ctx, key(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	letters := make([]*core.Letter, 0, len(ids))
	var stale []any
	for i, cmd := range cmds {
		fields, err := cmd.(*redis.MapStringStringCmd).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		letters = append(letters, decode(ids[i], fields))
	}
	if len(stale) > 0 {
		if err := s.rdb.SRem(ctx, ownerKey(ownerID), stale...).Err(); err != nil {
			logrus.WithFields(logrus.Fields{
				"owner_id": ownerID,
				"error":    err,
			}).Warn("Failed to prune owner index")
		}
	}

	sort.Slice(letters, func(i, j int) bool {
		if !letters[i].UpdatedAt.Equal(letters[j].UpdatedAt) {
			return letters[i].UpdatedAt.After(letters[j].UpdatedAt)
		}
		return letters[i].ID < letters[j].ID
	})
	return letters, nil
}

func (s *letterStore) Delete(ctx context.Context, id string) error {
	k := key(id)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		owner, err := tx.HGet(ctx, k, "owner_id").Result()
		switch {
		case err == redis.Nil:
			n, err := tx.Exists(ctx, k).Result()
			if err != nil {
				return err
			}
			if n == 0 {
				return core.ErrLetterNotFound
			}
		case err != nil:
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, k)
			pipe.SRem(ctx, ownerKey(owner), id)
			return nil
		})
		return err
	}, k)
	if err == nil {
		logrus.WithField("letter_id", id).Info("Letter deleted")
	}
	return err
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
