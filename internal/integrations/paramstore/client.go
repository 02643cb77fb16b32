package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	gocache "github.com/patrickmn/go-cache"
)

// cacheTTL bounds how long a fetched parameter is reused before SSM is
// consulted again. Credentials rotated in Parameter Store become effective
// within this window without a process restart.
const cacheTTL = 5 * time.Minute

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is the interface that wraps GetParameter.
// Consumers (e.g. the classifier and dispatch clients) should depend on this
// interface rather than the concrete *Client so they remain testable without
// real AWS calls.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client wraps an AWS SSM API for parameter retrieval with a short-lived
// in-process read cache.
type Client struct {
	api   ssmAPI
	cache *gocache.Cache
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{
		api:   api,
		cache: gocache.New(cacheTTL, 2*cacheTTL),
	}, nil
}

// GetParameter returns the decrypted value of a parameter, serving repeat
// reads from the cache until the TTL expires. Errors are never cached.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	if c.cache != nil {
		if v, ok := c.cache.Get(name); ok {
			return v.(string), nil
		}
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}

	value := *out.Parameter.Value
	if c.cache != nil {
		c.cache.Set(name, value, gocache.DefaultExpiration)
	}
	return value, nil
}
