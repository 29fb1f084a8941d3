package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func otpKey(email string) string { return "otp:" + email }

// SetCode stores the login code for an email, overwriting any prior code.
// Redis expiry enforces the code lifetime.
func (s *Store) SetCode(ctx context.Context, email, code string, ttl time.Duration) error {
	return s.rdb.Set(ctx, otpKey(email), code, ttl).Err()
}

// GetCode returns ok=false when no live code exists for the email.
func (s *Store) GetCode(ctx context.Context, email string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, otpKey(email)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) DeleteCode(ctx context.Context, email string) error {
	return s.rdb.Del(ctx, otpKey(email)).Err()
}
