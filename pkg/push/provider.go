// Package push defines the push-notification provider contract and an HTTP gateway client.
package push

import (
	"context"
	"time"
)

// EndpointAttributes is the provider's view of one endpoint.
type EndpointAttributes struct {
	Token   string `json:"token"`
	Enabled bool   `json:"enabled"`
}

// Page is one page of endpoint references.
type Page struct {
	Refs          []string `json:"refs"`
	NextPageToken string   `json:"next_page_token,omitempty"`
}

// PlatformInfo describes the platform application that holds the push credential.
type PlatformInfo struct {
	CreatedAt time.Time `json:"created_at"`
	Enabled   bool      `json:"enabled"`
}

// Provider is a push-notification platform. Errors are *resilience.Error values.
type Provider interface {
	Name() string
	CreateEndpoint(ctx context.Context, token, userData string) (string, error)
	SetEndpointToken(ctx context.Context, ref, token string) error
	DeleteEndpoint(ctx context.Context, ref string) error
	GetEndpointAttributes(ctx context.Context, ref string) (EndpointAttributes, error)
	ListEndpoints(ctx context.Context, pageToken string) (Page, error)
	Publish(ctx context.Context, ref string, payload []byte) (string, error)
	PlatformInfo(ctx context.Context) (PlatformInfo, error)
}
