package gateway

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ruralpay/echobank/internal/models"
)

// EndpointSource loads an institution's stored endpoint configuration
type EndpointSource interface {
	GetEndpoints(ctx context.Context, institutionID string) (*models.InstitutionEndpoints, error)
}

// SecretDecrypter reveals stored institution credentials
type SecretDecrypter interface {
	DecryptSecret(ciphertext string) (string, error)
}

// Factory hands out the Gateway for an institution
type Factory interface {
	ForInstitution(ctx context.Context, institutionID string) (Gateway, error)
}

type cachedClient struct {
	client  *Client
	version time.Time
}

// Registry builds one Client per institution and rebuilds it when the
// stored configuration changes. Clients keep their own circuit breaker.
type Registry struct {
	source  EndpointSource
	secrets SecretDecrypter
	opts    Options

	mu      sync.Mutex
	clients map[string]cachedClient
}

func NewRegistry(source EndpointSource, secrets SecretDecrypter, opts Options) *Registry {
	return &Registry{
		source:  source,
		secrets: secrets,
		opts:    opts,
		clients: make(map[string]cachedClient),
	}
}

func (r *Registry) ForInstitution(ctx context.Context, institutionID string) (Gateway, error) {
	endpoints, err := r.source.GetEndpoints(ctx, institutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load endpoints for institution %s: %w", institutionID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.clients[institutionID]; ok && cached.version.Equal(endpoints.UpdatedAt) {
		return cached.client, nil
	}

	credential := endpoints.Credential
	if r.secrets != nil && credential != "" {
		credential, err = r.secrets.DecryptSecret(credential)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt credential for institution %s: %w", institutionID, err)
		}
	}

	client, err := NewClient(*endpoints, credential, r.opts)
	if err != nil {
		return nil, err
	}

	log.Printf("[GATEWAY] Built client for institution %s (%s)", institutionID, endpoints.BaseURL)
	r.clients[institutionID] = cachedClient{client: client, version: endpoints.UpdatedAt}
	return client, nil
}

// Invalidate drops the cached client so the next call rebuilds it
func (r *Registry) Invalidate(institutionID string) {
	r.mu.Lock()
	delete(r.clients, institutionID)
	r.mu.Unlock()
}
