package hsm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
)

// HSMInterface is the key custody surface used by the voice service
type HSMInterface interface {
	// Institution credentials at rest
	EncryptSecret(plaintext string) (string, error)
	DecryptSecret(ciphertext string) (string, error)

	// Outbound gateway request signing
	SignPayload(payload []byte) string

	// Transfer references
	GenerateTransactionID() string

	// Transfer PINs
	HashPIN(pin string, salt []byte) (string, error)
	VerifyPIN(pin string, hashedPIN string) (bool, error)
}

var _ HSMInterface = (*HSMServer)(nil)

// HSMServer is a software HSM. Both keys are derived from one master secret.
type HSMServer struct {
	sealer      cipher.AEAD
	signingKey  []byte
	auditLogger *AuditLogger
	now         func() time.Time
}

type Config struct {
	MasterKey   string
	AuditLogger *AuditLogger
	// Salt pins key derivation across restarts. Without it stored secrets
	// cannot be decrypted after a restart.
	Salt []byte
}

const (
	secretVersion = "v1"
	referencePfx  = "VTX"

	pinSaltLength = 16
	pinKeyLength  = 32
	pinHashScheme = "argon2id"
)

func InitHSM(config Config) (*HSMServer, error) {
	if config.MasterKey == "" {
		return nil, errors.New("hsm: master key required")
	}

	salt := config.Salt
	if len(salt) == 0 {
		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("hsm: generate salt: %w", err)
		}
	}

	block, err := aes.NewCipher(deriveKey(config.MasterKey, "credentials", salt))
	if err != nil {
		return nil, fmt.Errorf("hsm: credential cipher: %w", err)
	}
	sealer, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("hsm: credential cipher: %w", err)
	}

	auditLogger := config.AuditLogger
	if auditLogger == nil {
		auditLogger = NewAuditLogger()
	}

	h := &HSMServer{
		sealer:      sealer,
		signingKey:  deriveKey(config.MasterKey, "signing", salt),
		auditLogger: auditLogger,
		now:         time.Now,
	}
	h.auditLogger.LogOperation("", "", "hsm_init", "keys derived")
	return h, nil
}

// EncryptSecret seals an institution credential as "v1.<base64 nonce+ciphertext>".
// An empty secret stays empty.
func (h *HSMServer) EncryptSecret(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, h.sealer.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to encrypt secret: %w", err)
	}
	sealed := h.sealer.Seal(nonce, nonce, []byte(plaintext), nil)
	return secretVersion + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (h *HSMServer) DecryptSecret(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	version, body, ok := strings.Cut(ciphertext, ".")
	if !ok || version != secretVersion {
		return "", errors.New("unrecognised secret encoding")
	}
	sealed, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("invalid encrypted data format: %w", err)
	}

	nonceSize := h.sealer.NonceSize()
	if len(sealed) <= nonceSize {
		return "", errors.New("encrypted secret truncated")
	}
	plain, err := h.sealer.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return string(plain), nil
}

// SignPayload returns the hex HMAC-SHA256 sent as X-Signature to institutions
func (h *HSMServer) SignPayload(payload []byte) string {
	mac := hmac.New(sha256.New, h.signingKey)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateTransactionID returns "VTX<yyyymmdd><12 hex>", unique per call and
// sortable by day.
func (h *HSMServer) GenerateTransactionID() string {
	id := uuid.New()
	mac := hmac.New(sha256.New, h.signingKey)
	mac.Write(id[:])
	return fmt.Sprintf("%s%s%s", referencePfx, h.now().UTC().Format("20060102"), hex.EncodeToString(mac.Sum(nil)[:6]))
}

func (h *HSMServer) HashPIN(pin string, salt []byte) (string, error) {
	return HashPIN(pin, salt)
}

func (h *HSMServer) VerifyPIN(pin string, hashedPIN string) (bool, error) {
	return VerifyPIN(pin, hashedPIN)
}

// HashPIN hashes a PIN with Argon2id as "argon2id$<salt>$<hash>". A nil salt
// draws a fresh random one.
func HashPIN(pin string, salt []byte) (string, error) {
	if len(salt) == 0 {
		salt = make([]byte, pinSaltLength)
		if _, err := rand.Read(salt); err != nil {
			return "", fmt.Errorf("failed to generate salt: %w", err)
		}
	}
	if len(salt) != pinSaltLength {
		return "", fmt.Errorf("PIN salt must be %d bytes", pinSaltLength)
	}

	sum := pinKey(pin, salt, pinKeyLength)
	enc := base64.RawStdEncoding
	return strings.Join([]string{pinHashScheme, enc.EncodeToString(salt), enc.EncodeToString(sum)}, "$"), nil
}

// VerifyPIN compares pin against a HashPIN result in constant time
func VerifyPIN(pin string, hashedPIN string) (bool, error) {
	parts := strings.Split(hashedPIN, "$")
	if len(parts) != 3 || parts[0] != pinHashScheme {
		return false, errors.New("invalid PIN hash format")
	}

	enc := base64.RawStdEncoding
	salt, err := enc.DecodeString(parts[1])
	if err != nil || len(salt) != pinSaltLength {
		return false, errors.New("invalid PIN hash salt")
	}
	stored, err := enc.DecodeString(parts[2])
	if err != nil || len(stored) == 0 {
		return false, errors.New("invalid PIN hash digest")
	}

	return subtle.ConstantTimeCompare(pinKey(pin, salt, uint32(len(stored))), stored) == 1, nil
}

func pinKey(pin string, salt []byte, keyLen uint32) []byte {
	return argon2.IDKey([]byte(pin), salt, 1, 64*1024, 4, keyLen)
}

// deriveKey gives each purpose its own 32 byte key from the master secret
func deriveKey(master, purpose string, salt []byte) []byte {
	return argon2.IDKey([]byte(master+":"+purpose), salt, 3, 32*1024, 4, 32)
}
