package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrNotFound = errors.New("secrets: not found")

// Provider resolves credentials for an external service.
// service is the integration name ("ringcentral", "zoho"), name the field
// ("client_id", "refresh_token", ...).
type Provider interface {
	GetSecret(ctx context.Context, service, name string) (string, error)
}

// EnvProvider reads secrets from environment variables named
// <SERVICE>_<NAME>, e.g. RINGCENTRAL_CLIENT_ID.
type EnvProvider struct{}

func (EnvProvider) GetSecret(_ context.Context, service, name string) (string, error) {
	key := strings.ToUpper(service) + "_" + strings.ToUpper(name)
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}

// Chain tries each provider in order, falling through on ErrNotFound.
type Chain []Provider

func (c Chain) GetSecret(ctx context.Context, service, name string) (string, error) {
	for _, p := range c {
		v, err := p.GetSecret(ctx, service, name)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s/%s", ErrNotFound, service, name)
}
