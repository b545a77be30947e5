package keys

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"realcast-live/internal/apperr"
)

const hkdfInfo = "realcast key vault v1"

// RedisVaultConfig configures a RedisVault.
type RedisVaultConfig struct {
	Client    redis.UniversalClient
	Prefix    string
	MasterKey []byte
}

// RedisVault escrows keys in Redis sealed with XChaCha20-Poly1305. The
// sealing key is derived from the master key with HKDF-SHA256 and the Redis
// key is bound as associated data, so a sealed blob cannot be replayed under
// another channel or key id.
type RedisVault struct {
	client redis.UniversalClient
	prefix string
	aead   cipher.AEAD
}

var (
	errMasterKeyTooShort = errors.New("redis vault master key must be at least 32 bytes")
	errSealedTooShort    = errors.New("sealed key shorter than nonce")
)

func NewRedisVault(cfg RedisVaultConfig) (*RedisVault, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis vault client required")
	}
	if len(cfg.MasterKey) < 32 {
		return nil, errMasterKeyTooShort
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "realcast:keys"
	}
	derived := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, cfg.MasterKey, nil, []byte(hkdfInfo)), derived); err != nil {
		return nil, fmt.Errorf("derive vault key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, fmt.Errorf("init vault cipher: %w", err)
	}
	return &RedisVault{client: cfg.Client, prefix: prefix, aead: aead}, nil
}

func (v *RedisVault) key(channelID string, keyID uint64) string {
	return v.prefix + ":" + vaultKey(channelID, keyID)
}

func (v *RedisVault) Store(ctx context.Context, channelID string, keyID uint64, secret []byte, ttl time.Duration) error {
	key := v.key(channelID, keyID)
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, secret, []byte(key))
	if err := v.client.Set(ctx, key, base64.StdEncoding.EncodeToString(sealed), ttl).Err(); err != nil {
		return fmt.Errorf("store key %s: %w", key, err)
	}
	return nil
}

func (v *RedisVault) Destroy(ctx context.Context, channelID string, keyID uint64) error {
	key := v.key(channelID, keyID)
	if err := v.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("destroy key %s: %w", key, err)
	}
	return nil
}

// Load opens an escrowed key. Missing or expired keys report key_not_found.
func (v *RedisVault) Load(ctx context.Context, channelID string, keyID uint64) ([]byte, error) {
	const op = "keys.RedisVault.Load"
	key := v.key(channelID, keyID)
	encoded, err := v.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, apperr.Wrap(apperr.ErrKeyNotFound, op, nil)
	}
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	nonceSize := v.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, apperr.Internal(op, errSealedTooShort)
	}
	secret, err := v.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], []byte(key))
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	return secret, nil
}
