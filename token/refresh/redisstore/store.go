// Package redisstore keeps refresh token families and records in Redis.
//
// Layout, under a configurable prefix:
//
//	{<prefix>}:fam:<id>         hash   locked, created
//	{<prefix>}:fam:<id>:tokens  set    token values in the family
//	{<prefix>}:tok:<token>      hash   family, user, created, expires, rotated, locked
//
// Multi-key transitions (create token, lock family, mark rotated) run as Lua scripts
// so each is atomic on the server. The prefix is a hash tag, so on Redis Cluster every
// key of one store hashes to the same slot and the scripts only touch keys they declare.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/jrsteele09/go-session-auth/internal/errors"
	"github.com/jrsteele09/go-session-auth/token/refresh"
	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps every transport level failure.
var ErrRedisUnavailable = errors.New("redis unavailable")

const createTokenScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local locked = redis.call("HGET", KEYS[1], "locked") or "0"
if ARGV[5] == "1" then
  locked = "1"
end
redis.call("HSET", KEYS[3],
  "family", ARGV[1],
  "user", ARGV[2],
  "created", ARGV[3],
  "expires", ARGV[4],
  "rotated", "0",
  "locked", locked)
redis.call("PEXPIREAT", KEYS[3], ARGV[6])
redis.call("SADD", KEYS[2], ARGV[7])
redis.call("PEXPIREAT", KEYS[2], ARGV[6])
redis.call("PEXPIREAT", KEYS[1], ARGV[6])
return 1
`

var createTokenLua = redis.NewScript(createTokenScript)

const markRotatedScript = `
if redis.call("HGET", KEYS[1], "rotated") == "0" then
  redis.call("HSET", KEYS[1], "rotated", "1")
  return 1
end
return 0
`

var markRotatedLua = redis.NewScript(markRotatedScript)

const lockFamilyScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], "locked", "1")
for i = 2, #KEYS do
  if redis.call("EXISTS", KEYS[i]) == 1 then
    redis.call("HSET", KEYS[i], "locked", "1")
  end
end
return 1
`

var lockFamilyLua = redis.NewScript(lockFamilyScript)

var _ refresh.Store = (*Store)(nil)

type Store struct {
	redis     redis.UniversalClient
	prefix    string
	familyTTL time.Duration
	nowTime   func() time.Time
}

type Option func(*Store)

// WithFamilyTTL bounds how long a family without tokens survives.
func WithFamilyTTL(d time.Duration) Option {
	return func(s *Store) {
		s.familyTTL = d
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(s *Store) {
		s.nowTime = nowFunc
	}
}

func New(client redis.UniversalClient, prefix string, options ...Option) *Store {
	s := &Store{
		redis:     client,
		prefix:    prefix,
		familyTTL: refresh.DefaultExpiry,
		nowTime:   time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *Store) keyPrefix() string {
	return "{" + s.prefix + "}:"
}

func (s *Store) familyKey(familyID string) string {
	return s.keyPrefix() + "fam:" + familyID
}

func (s *Store) familyTokensKey(familyID string) string {
	return s.familyKey(familyID) + ":tokens"
}

func (s *Store) tokenKey(token string) string {
	return s.keyPrefix() + "tok:" + token
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrRedisUnavailable, op, err)
}

func (s *Store) CreateFamily(ctx context.Context) (string, error) {
	id := uuid.New().String()
	key := s.familyKey(id)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "locked", "0", "created", strconv.FormatInt(s.nowTime().UnixNano(), 10))
		pipe.Expire(ctx, key, s.familyTTL)
		return nil
	})
	if err != nil {
		return "", unavailable("create family", err)
	}
	return id, nil
}

func (s *Store) GetFamily(ctx context.Context, familyID string) (*refresh.Family, error) {
	fields, err := s.redis.HGetAll(ctx, s.familyKey(familyID)).Result()
	if err != nil {
		return nil, unavailable("get family", err)
	}
	if len(fields) == 0 {
		return nil, apperrors.ErrNotFound
	}
	return &refresh.Family{
		ID:      familyID,
		Locked:  fields["locked"] == "1",
		Created: parseNanos(fields["created"]),
	}, nil
}

// LockFamily locks the family and every member it has right now. A member created
// concurrently may miss its own flag; the family flag still denies it.
func (s *Store) LockFamily(ctx context.Context, familyID string) error {
	members, err := s.redis.SMembers(ctx, s.familyTokensKey(familyID)).Result()
	if err != nil {
		return unavailable("lock family", err)
	}
	keys := make([]string, 0, len(members)+1)
	keys = append(keys, s.familyKey(familyID))
	for _, token := range members {
		keys = append(keys, s.tokenKey(token))
	}

	n, err := lockFamilyLua.Run(ctx, s.redis, keys).Int()
	if err != nil {
		return unavailable("lock family", err)
	}
	if n == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (s *Store) CreateToken(ctx context.Context, record *refresh.Record) (*refresh.Record, error) {
	n, err := createTokenLua.Run(ctx, s.redis,
		[]string{s.familyKey(record.FamilyID), s.familyTokensKey(record.FamilyID), s.tokenKey(record.Token)},
		record.FamilyID,
		record.UserID,
		strconv.FormatInt(record.Created.UnixNano(), 10),
		strconv.FormatInt(record.Expires.UnixNano(), 10),
		boolString(record.Locked),
		record.Expires.UnixMilli(),
		record.Token,
	).Int()
	if err != nil {
		return nil, unavailable("create token", err)
	}
	if n == 0 {
		return nil, apperrors.ErrNotFound
	}
	return s.FindToken(ctx, record.Token)
}

func (s *Store) FindToken(ctx context.Context, token string) (*refresh.Record, error) {
	fields, err := s.redis.HGetAll(ctx, s.tokenKey(token)).Result()
	if err != nil {
		return nil, unavailable("find token", err)
	}
	if len(fields) == 0 {
		return nil, apperrors.ErrNotFound
	}
	return recordFromHash(token, fields), nil
}

func (s *Store) MarkRotated(ctx context.Context, token string) (bool, error) {
	n, err := markRotatedLua.Run(ctx, s.redis, []string{s.tokenKey(token)}).Int()
	if err != nil {
		return false, unavailable("mark rotated", err)
	}
	return n == 1, nil
}

func (s *Store) ListTokens(ctx context.Context, familyID string) ([]*refresh.Record, error) {
	tokens, err := s.redis.SMembers(ctx, s.familyTokensKey(familyID)).Result()
	if err != nil {
		return nil, unavailable("list tokens", err)
	}
	if len(tokens) == 0 {
		return []*refresh.Record{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(tokens))
	_, err = s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, token := range tokens {
			cmds[i] = pipe.HGetAll(ctx, s.tokenKey(token))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("list tokens", err)
	}

	records := make([]*refresh.Record, 0, len(tokens))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		records = append(records, recordFromHash(tokens[i], fields))
	}
	return records, nil
}

func (s *Store) DeleteTokens(ctx context.Context, records []*refresh.Record) error {
	if len(records) == 0 {
		return nil
	}
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, r := range records {
			pipe.Del(ctx, s.tokenKey(r.Token))
			pipe.SRem(ctx, s.familyTokensKey(r.FamilyID), r.Token)
		}
		return nil
	})
	if err != nil {
		return unavailable("delete tokens", err)
	}
	return nil
}

func (s *Store) DeleteFamily(ctx context.Context, familyID string) error {
	if err := s.redis.Del(ctx, s.familyKey(familyID), s.familyTokensKey(familyID)).Err(); err != nil {
		return unavailable("delete family", err)
	}
	return nil
}

func recordFromHash(token string, fields map[string]string) *refresh.Record {
	return &refresh.Record{
		Token:      token,
		FamilyID:   fields["family"],
		UserID:     fields["user"],
		Created:    parseNanos(fields["created"]),
		Expires:    parseNanos(fields["expires"]),
		HasRotated: fields["rotated"] == "1",
		Locked:     fields["locked"] == "1",
	}
}

func parseNanos(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
