package services

import (
	"context"
	cryptorand "crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/ruralpay/echobank/internal/gateway"
	"github.com/ruralpay/echobank/internal/middleware"
	"github.com/ruralpay/echobank/internal/models"
	"github.com/spf13/viper"
	"golang.org/x/crypto/argon2"
)

const (
	apiKeyPrefix       = "eb_live_"
	uniqueViolation    = "23505"
	endpointsBodyLimit = 64 * 1024
)

// SecretCipher protects institution credentials at rest
type SecretCipher interface {
	EncryptSecret(plaintext string) (string, error)
}

// ClientInvalidator forgets cached gateway clients after a config change
type ClientInvalidator interface {
	Invalidate(institutionID string)
}

// InstitutionService onboards banks and stores how to reach their APIs
type InstitutionService struct {
	db          *sql.DB
	redis       *redis.Client
	validator   *ValidationHelper
	secrets     SecretCipher
	invalidator ClientInvalidator
	now         func() time.Time
}

// RegisterInstitutionRequest represents the registration request payload
type RegisterInstitutionRequest struct {
	Name          string `json:"name" validate:"required,min=2"`
	Email         string `json:"email" validate:"required,email"`
	ContactPerson string `json:"contact_person" validate:"required,min=2"`
	Phone         string `json:"phone" validate:"required,min=7"`
	Password      string `json:"password" validate:"required,min=8"`
}

type InstitutionLoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// InstitutionAuthResponse carries the session token. APIKey is only present
// in the registration response; it is never shown again.
type InstitutionAuthResponse struct {
	Token       string             `json:"token"`
	Institution models.Institution `json:"institution"`
	APIKey      string             `json:"api_key,omitempty"`
}

func NewInstitutionService(db *sql.DB, redisClient *redis.Client, secrets SecretCipher, invalidator ClientInvalidator) *InstitutionService {
	return &InstitutionService{
		db:          db,
		redis:       redisClient,
		validator:   NewValidationHelper(),
		secrets:     secrets,
		invalidator: invalidator,
		now:         time.Now,
	}
}

// SetInvalidator attaches the client cache that must forget an institution
// after its endpoints change
func (s *InstitutionService) SetInvalidator(invalidator ClientInvalidator) {
	s.invalidator = invalidator
}

// Register handles institution registration
func (s *InstitutionService) Register(w http.ResponseWriter, r *http.Request) {
	log.Printf("[INSTITUTION] Registration attempt from IP: %s", r.RemoteAddr)

	var req RegisterInstitutionRequest
	if !s.validator.DecodeAndValidate(w, r, &req, 0) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	passwordHash, err := hashPassword(req.Password)
	if err != nil {
		log.Printf("[INSTITUTION] Password hashing failed for %s: %v", email, err)
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	apiKey, err := generateAPIKey()
	if err != nil {
		log.Printf("[INSTITUTION] API key generation failed for %s: %v", email, err)
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}
	apiKeyHash, err := hashPassword(apiKey)
	if err != nil {
		log.Printf("[INSTITUTION] API key hashing failed for %s: %v", email, err)
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	now := s.now().UTC()
	inst := models.Institution{
		ID:            uuid.NewString(),
		Name:          req.Name,
		Email:         email,
		ContactPerson: req.ContactPerson,
		Phone:         req.Phone,
		APIKeyPrefix:  apiKey[:len(apiKeyPrefix)+4],
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	_, err = s.db.ExecContext(r.Context(),
		`INSERT INTO institutions (id, name, email, contact_person, phone, password_hash, api_key_hash, api_key_prefix, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9, $9)`,
		inst.ID, inst.Name, inst.Email, inst.ContactPerson, inst.Phone, passwordHash, apiKeyHash, inst.APIKeyPrefix, now)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			log.Printf("[INSTITUTION] Registration rejected, email exists: %s", email)
			SendErrorResponse(w, "Email Already Exists", http.StatusConflict, nil)
			return
		}
		log.Printf("[INSTITUTION] Institution creation failed for %s: %v", email, err)
		SendErrorResponse(w, "Failed to register institution", http.StatusInternalServerError, nil)
		return
	}

	token, err := middleware.GenerateToken(inst.ID)
	if err != nil {
		log.Printf("[INSTITUTION] JWT generation failed for %s: %v", inst.ID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[INSTITUTION] Registered institution %s (%s)", inst.ID, inst.Name)
	SendJSON(w, http.StatusCreated, InstitutionAuthResponse{Token: token, Institution: inst, APIKey: apiKey})
}

// Login handles institution authentication
func (s *InstitutionService) Login(w http.ResponseWriter, r *http.Request) {
	log.Printf("[INSTITUTION] Login attempt from IP: %s", r.RemoteAddr)

	var req InstitutionLoginRequest
	if !s.validator.DecodeAndValidate(w, r, &req, 0) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	var inst models.Institution
	var passwordHash string
	err := s.db.QueryRowContext(r.Context(),
		`SELECT id, name, email, contact_person, phone, api_key_prefix, is_active, created_at, updated_at, password_hash
		 FROM institutions WHERE email = $1`, email).
		Scan(&inst.ID, &inst.Name, &inst.Email, &inst.ContactPerson, &inst.Phone, &inst.APIKeyPrefix,
			&inst.IsActive, &inst.CreatedAt, &inst.UpdatedAt, &passwordHash)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Printf("[INSTITUTION] Lookup failed for %s: %v", email, err)
		}
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}

	if !verifyPassword(req.Password, passwordHash) {
		log.Printf("[INSTITUTION] Invalid password for institution %s", inst.ID)
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}
	if !inst.IsActive {
		SendErrorResponse(w, "Institution is deactivated", http.StatusForbidden, nil)
		return
	}

	token, err := middleware.GenerateToken(inst.ID)
	if err != nil {
		log.Printf("[INSTITUTION] JWT generation failed for %s: %v", inst.ID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[INSTITUTION] Login successful for institution %s", inst.ID)
	SendJSON(w, http.StatusOK, InstitutionAuthResponse{Token: token, Institution: inst})
}

// Logout blacklists the presented token until it would have expired
func (s *InstitutionService) Logout(w http.ResponseWriter, r *http.Request) {
	if token := middleware.Token(r.Context()); token != "" && s.redis != nil {
		if err := s.redis.Set(r.Context(), middleware.BlacklistKey(token), "1", middleware.TokenLifetime()).Err(); err != nil {
			log.Printf("[INSTITUTION] Failed to blacklist token: %v", err)
		}
	}
	SendJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}

// ShowEndpoints returns the caller's endpoint configuration without its credential
func (s *InstitutionService) ShowEndpoints(w http.ResponseWriter, r *http.Request) {
	institutionID, ok := middleware.InstitutionID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	endpoints, err := s.GetEndpoints(r.Context(), institutionID)
	if errors.Is(err, gateway.ErrNotConfigured) {
		SendErrorResponse(w, "Endpoints not configured", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[INSTITUTION] Failed to load endpoints for %s: %v", institutionID, err)
		SendErrorResponse(w, "Failed to load endpoints", http.StatusInternalServerError, nil)
		return
	}

	endpoints.Credential = ""
	SendJSON(w, http.StatusOK, endpoints)
}

// UpdateEndpoints stores the caller's endpoint configuration. The credential
// is encrypted before it is written.
func (s *InstitutionService) UpdateEndpoints(w http.ResponseWriter, r *http.Request) {
	institutionID, ok := middleware.InstitutionID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req models.InstitutionEndpoints
	if !s.validator.DecodeAndValidate(w, r, &req, endpointsBodyLimit) {
		return
	}
	req.InstitutionID = institutionID
	if req.AuthType == "" {
		req.AuthType = models.AuthTypeBearer
	}
	if req.AuthType == models.AuthTypeAPIKey && req.AuthHeaderName == "" {
		req.AuthHeaderName = "X-API-Key"
	}

	if req.Credential != "" && s.secrets != nil {
		encrypted, err := s.secrets.EncryptSecret(req.Credential)
		if err != nil {
			log.Printf("[INSTITUTION] Credential encryption failed for %s: %v", institutionID, err)
			SendErrorResponse(w, "Failed to store credential", http.StatusInternalServerError, nil)
			return
		}
		req.Credential = encrypted
	}
	req.UpdatedAt = s.now().UTC()

	if err := s.saveEndpoints(r.Context(), &req); err != nil {
		log.Printf("[INSTITUTION] Failed to save endpoints for %s: %v", institutionID, err)
		SendErrorResponse(w, "Failed to save endpoints", http.StatusInternalServerError, nil)
		return
	}
	if s.invalidator != nil {
		s.invalidator.Invalidate(institutionID)
	}

	log.Printf("[INSTITUTION] Endpoints updated for %s (%s)", institutionID, req.BaseURL)
	req.Credential = ""
	SendJSON(w, http.StatusOK, req)
}

// GetEndpoints loads stored endpoint configuration; it backs the gateway registry
func (s *InstitutionService) GetEndpoints(ctx context.Context, institutionID string) (*models.InstitutionEndpoints, error) {
	var e models.InstitutionEndpoints
	var authHeader, credential, cancelPath, transactionsPath sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT e.institution_id, e.base_url, e.auth_type, e.auth_header_name, e.credential,
		        e.balance_path, e.recipients_path, e.initiate_transfer_path, e.confirm_transfer_path,
		        e.cancel_transfer_path, e.transactions_path, e.headers, e.response_mapping, e.updated_at
		 FROM institution_endpoints e JOIN institutions i ON i.id = e.institution_id
		 WHERE e.institution_id = $1 AND i.is_active`, institutionID).
		Scan(&e.InstitutionID, &e.BaseURL, &e.AuthType, &authHeader, &credential,
			&e.BalancePath, &e.RecipientsPath, &e.InitiateTransferPath, &e.ConfirmTransferPath,
			&cancelPath, &transactionsPath, &e.Headers, &e.ResponseMapping, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: institution %s has no endpoints", gateway.ErrNotConfigured, institutionID)
	}
	if err != nil {
		return nil, err
	}

	e.AuthHeaderName = authHeader.String
	e.Credential = credential.String
	e.CancelTransferPath = cancelPath.String
	e.TransactionsPath = transactionsPath.String
	return &e, nil
}

func (s *InstitutionService) saveEndpoints(ctx context.Context, e *models.InstitutionEndpoints) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO institution_endpoints (institution_id, base_url, auth_type, auth_header_name, credential,
		        balance_path, recipients_path, initiate_transfer_path, confirm_transfer_path,
		        cancel_transfer_path, transactions_path, headers, response_mapping, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (institution_id) DO UPDATE SET
		        base_url = EXCLUDED.base_url, auth_type = EXCLUDED.auth_type,
		        auth_header_name = EXCLUDED.auth_header_name,
		        credential = COALESCE(NULLIF(EXCLUDED.credential, ''), institution_endpoints.credential),
		        balance_path = EXCLUDED.balance_path, recipients_path = EXCLUDED.recipients_path,
		        initiate_transfer_path = EXCLUDED.initiate_transfer_path,
		        confirm_transfer_path = EXCLUDED.confirm_transfer_path,
		        cancel_transfer_path = EXCLUDED.cancel_transfer_path,
		        transactions_path = EXCLUDED.transactions_path,
		        headers = EXCLUDED.headers, response_mapping = EXCLUDED.response_mapping,
		        updated_at = EXCLUDED.updated_at`,
		e.InstitutionID, e.BaseURL, e.AuthType, e.AuthHeaderName, e.Credential,
		e.BalancePath, e.RecipientsPath, e.InitiateTransferPath, e.ConfirmTransferPath,
		e.CancelTransferPath, e.TransactionsPath, e.Headers, e.ResponseMapping, e.UpdatedAt)
	return err
}

func generateAPIKey() (string, error) {
	b := make([]byte, 24)
	if _, err := cryptorand.Read(b); err != nil {
		return "", err
	}
	return apiKeyPrefix + hex.EncodeToString(b), nil
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, viper.GetInt("argon2.salt_length"))
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash)), nil
}

func verifyPassword(password, hashedPassword string) bool {
	parts := strings.Split(hashedPassword, "$")
	if len(parts) != 2 {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}

	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}

	computedHash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(len(hash)))
	return subtle.ConstantTimeCompare(hash, computedHash) == 1
}
