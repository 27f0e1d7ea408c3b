package verify

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/howard-research/surveybackend/internal/security"
	"github.com/howard-research/surveybackend/internal/util"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// maxCheckAttempts bounds guesses against one issued code.
const maxCheckAttempts = 5

// RedisCodeStore is the default Provider: codes live in redis under a
// per-phone key with a TTL, stored as bcrypt hashes so a redis dump never
// leaks usable codes. Issuing a new code replaces any outstanding one.
type RedisCodeStore struct {
	client *redis.Client
}

// NewRedisCodeStore constructs the redis-backed code store.
func NewRedisCodeStore(client *redis.Client) *RedisCodeStore {
	return &RedisCodeStore{client: client}
}

func codeKey(phone string) string {
	return "verify:code:" + phone
}

func attemptsKey(phone string) string {
	return "verify:attempts:" + phone
}

// IssueCode generates a six-digit code, stores its hash with the TTL, and
// returns the plaintext for delivery.
func (r *RedisCodeStore) IssueCode(ctx context.Context, phone string, ttl time.Duration) (string, error) {
	code, errGen := generateCode()
	if errGen != nil {
		return "", errGen
	}
	hash, errHash := security.HashCode(code)
	if errHash != nil {
		return "", fmt.Errorf("verify: hash code: %w", errHash)
	}
	if errSet := r.client.Set(ctx, codeKey(phone), hash, ttl).Err(); errSet != nil {
		return "", fmt.Errorf("verify: store code: %w", errSet)
	}
	if errDel := r.client.Del(ctx, attemptsKey(phone)).Err(); errDel != nil {
		log.Warnf("verify: reset attempt counter for %s: %v", util.MaskPhone(phone), errDel)
	}
	return code, nil
}

// CheckCode compares a submitted code against the stored hash. The stored
// code is deleted on success so it cannot be replayed, and after too many
// wrong guesses the code is revoked outright.
func (r *RedisCodeStore) CheckCode(ctx context.Context, phone, code string) error {
	hash, errGet := r.client.Get(ctx, codeKey(phone)).Result()
	if errors.Is(errGet, redis.Nil) {
		return ErrCodeMismatch
	}
	if errGet != nil {
		return fmt.Errorf("verify: load code: %w", errGet)
	}

	if !security.CheckCode(hash, code) {
		attempts, errIncr := r.client.Incr(ctx, attemptsKey(phone)).Result()
		if errIncr != nil {
			log.Warnf("verify: count attempt for %s: %v", util.MaskPhone(phone), errIncr)
		}
		if attempts >= maxCheckAttempts {
			r.client.Del(ctx, codeKey(phone), attemptsKey(phone))
			log.Warnf("verify: code for %s revoked after %d failed attempts", util.MaskPhone(phone), attempts)
		}
		return ErrCodeMismatch
	}

	if errDel := r.client.Del(ctx, codeKey(phone), attemptsKey(phone)).Err(); errDel != nil {
		log.Warnf("verify: consume code for %s: %v", util.MaskPhone(phone), errDel)
	}
	return nil
}

// generateCode draws a uniform six-digit code from crypto/rand.
func generateCode() (string, error) {
	n, errRand := rand.Int(rand.Reader, big.NewInt(1000000))
	if errRand != nil {
		return "", fmt.Errorf("verify: generate code: %w", errRand)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
