// Package devices manages the lifecycle of push device endpoints.
package devices

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ogulcanaydogan/costalert/pkg/model"
	"github.com/ogulcanaydogan/costalert/pkg/push"
	"github.com/ogulcanaydogan/costalert/pkg/resilience"
	"github.com/ogulcanaydogan/costalert/pkg/storage"
)

// TokenLength is the length of a device token in hex characters.
const TokenLength = 64

const (
	endpointPrefix = "endpoint/"
	tokenPrefix    = "token/"
)

var (
	ErrInvalidToken     = errors.New("invalid device token")
	ErrEndpointNotFound = errors.New("device endpoint not found")
	ErrTokenInUse       = errors.New("device token already registered to another endpoint")
)

// Registry keeps provider endpoints and their local records in step.
type Registry struct {
	provider push.Provider
	kv       storage.KV
	guard    resilience.Guard
	logger   *slog.Logger
	now      func() time.Time
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a device registry. Every provider call runs through guard.
func NewRegistry(provider push.Provider, kv storage.KV, guard resilience.Guard, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Registry{
		provider: provider,
		kv:       kv,
		guard:    guard,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NormalizeToken lowercases and validates a device token.
func NormalizeToken(token string) (string, error) {
	token = strings.ToLower(strings.TrimSpace(token))
	if len(token) != TokenLength {
		return "", resilience.Validation("devices.validate", resilience.CodeInvalidParam,
			fmt.Errorf("%w: want %d hex characters, got %d", ErrInvalidToken, TokenLength, len(token)))
	}
	if _, err := hex.DecodeString(token); err != nil {
		return "", resilience.Validation("devices.validate", resilience.CodeInvalidParam,
			fmt.Errorf("%w: not hexadecimal", ErrInvalidToken))
	}
	return token, nil
}

// ValidToken reports whether token has the device token format.
func ValidToken(token string) bool {
	_, err := NormalizeToken(token)
	return err == nil
}

// Register records a device. An active endpoint that already holds token is updated in
// place; otherwise a new provider endpoint is created.
func (r *Registry) Register(ctx context.Context, token, userID string) (*model.DeviceEndpoint, error) {
	token, err := NormalizeToken(token)
	if err != nil {
		return nil, err
	}

	existing, err := r.byToken(ctx, token)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	if existing != nil && existing.Active {
		_, err := r.guard.Run(ctx, "push.set_endpoint_token", func(ctx context.Context) error {
			return r.provider.SetEndpointToken(ctx, existing.Ref, token)
		})
		switch {
		case err == nil:
			if userID != "" {
				existing.UserID = userID
			}
			existing.UpdatedAt = now
			if err := r.save(ctx, existing); err != nil {
				return nil, err
			}
			r.logger.Info("device endpoint updated", "endpoint", existing.Ref)
			return existing, nil
		case resilience.CodeOf(err) == resilience.CodeNotFound:
			// the provider lost the endpoint; recreate below
			if err := r.removeLocal(ctx, existing); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("update endpoint %s: %w", existing.Ref, err)
		}
	} else if existing != nil {
		// inactive record for this token; replace it
		r.removeProviderEndpoint(ctx, existing.Ref)
		if err := r.removeLocal(ctx, existing); err != nil {
			return nil, err
		}
	}

	ref, err := resilience.Call(ctx, r.guard, "push.create_endpoint", func(ctx context.Context) (string, error) {
		return r.provider.CreateEndpoint(ctx, token, userID)
	})
	if err != nil {
		return nil, fmt.Errorf("create endpoint: %w", err)
	}

	ep := &model.DeviceEndpoint{
		Ref:          ref,
		Token:        token,
		UserID:       userID,
		RegisteredAt: now,
		UpdatedAt:    now,
		Active:       true,
	}
	if err := r.save(ctx, ep); err != nil {
		return nil, err
	}
	r.logger.Info("device endpoint registered", "endpoint", ref)
	return ep, nil
}

// RotateToken replaces the token of an existing endpoint.
func (r *Registry) RotateToken(ctx context.Context, ref, newToken string) (*model.DeviceEndpoint, error) {
	newToken, err := NormalizeToken(newToken)
	if err != nil {
		return nil, err
	}

	ep, err := r.Get(ctx, ref)
	if err != nil {
		return nil, err
	}

	holder, err := r.byToken(ctx, newToken)
	if err != nil {
		return nil, err
	}
	if holder != nil && holder.Ref != ref {
		return nil, resilience.Validation("devices.rotate", resilience.CodeInvalidParam, ErrTokenInUse)
	}

	_, err = r.guard.Run(ctx, "push.set_endpoint_token", func(ctx context.Context) error {
		return r.provider.SetEndpointToken(ctx, ref, newToken)
	})
	if err != nil {
		return nil, fmt.Errorf("rotate endpoint %s: %w", ref, err)
	}

	if ep.Token != newToken {
		if err := r.kv.Delete(ctx, tokenPrefix+ep.Token); err != nil {
			return nil, fmt.Errorf("drop old token index: %w", err)
		}
	}
	ep.Token = newToken
	ep.Active = true
	ep.UpdatedAt = r.now().UTC()
	if err := r.save(ctx, ep); err != nil {
		return nil, err
	}
	r.logger.Info("device token rotated", "endpoint", ref)
	return ep, nil
}

// Deregister removes an endpoint. Provider-side deletion is best effort; the local record
// is removed even when the provider call fails.
func (r *Registry) Deregister(ctx context.Context, ref string) error {
	ep, err := r.Get(ctx, ref)
	if err != nil {
		return err
	}
	r.removeProviderEndpoint(ctx, ref)
	if err := r.removeLocal(ctx, ep); err != nil {
		return err
	}
	r.logger.Info("device endpoint deregistered", "endpoint", ref)
	return nil
}

// MarkInactive flags an endpoint the provider refused to deliver to. It is skipped by push
// fan-out until re-registered or removed by reconciliation.
func (r *Registry) MarkInactive(ctx context.Context, ref string) error {
	ep, err := r.Get(ctx, ref)
	if err != nil {
		return err
	}
	if !ep.Active {
		return nil
	}
	ep.Active = false
	ep.UpdatedAt = r.now().UTC()
	if err := r.save(ctx, ep); err != nil {
		return err
	}
	r.logger.Warn("device endpoint marked inactive", "endpoint", ref)
	return nil
}

// Get returns the local record for ref.
func (r *Registry) Get(ctx context.Context, ref string) (*model.DeviceEndpoint, error) {
	data, err := r.kv.Get(ctx, endpointPrefix+ref)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("load endpoint %s: %w", ref, err)
	}
	var ep model.DeviceEndpoint
	if err := json.Unmarshal(data, &ep); err != nil {
		return nil, fmt.Errorf("decode endpoint %s: %w", ref, err)
	}
	return &ep, nil
}

// List returns every locally recorded endpoint ordered by ref.
func (r *Registry) List(ctx context.Context) ([]model.DeviceEndpoint, error) {
	entries, err := r.kv.Scan(ctx, endpointPrefix)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	out := make([]model.DeviceEndpoint, 0, len(entries))
	for _, e := range entries {
		var ep model.DeviceEndpoint
		if err := json.Unmarshal(e.Value, &ep); err != nil {
			r.logger.Warn("skipping undecodable endpoint record", "key", e.Key, "error", err)
			continue
		}
		out = append(out, ep)
	}
	return out, nil
}

// ActiveRefs returns the refs of every active endpoint.
func (r *Registry) ActiveRefs(ctx context.Context) ([]string, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var refs []string
	for _, ep := range all {
		if ep.Active {
			refs = append(refs, ep.Ref)
		}
	}
	return refs, nil
}

func (r *Registry) byToken(ctx context.Context, token string) (*model.DeviceEndpoint, error) {
	ref, err := r.kv.Get(ctx, tokenPrefix+token)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}

	ep, err := r.Get(ctx, string(ref))
	if errors.Is(err, ErrEndpointNotFound) {
		// dangling index entry
		if err := r.kv.Delete(ctx, tokenPrefix+token); err != nil {
			return nil, fmt.Errorf("drop dangling token index: %w", err)
		}
		return nil, nil
	}
	return ep, err
}

func (r *Registry) save(ctx context.Context, ep *model.DeviceEndpoint) error {
	data, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("encode endpoint: %w", err)
	}
	if err := r.kv.Put(ctx, endpointPrefix+ep.Ref, data); err != nil {
		return fmt.Errorf("save endpoint %s: %w", ep.Ref, err)
	}
	if err := r.kv.Put(ctx, tokenPrefix+ep.Token, []byte(ep.Ref)); err != nil {
		return fmt.Errorf("index token for %s: %w", ep.Ref, err)
	}
	return nil
}

func (r *Registry) removeLocal(ctx context.Context, ep *model.DeviceEndpoint) error {
	indexed, err := r.kv.Get(ctx, tokenPrefix+ep.Token)
	switch {
	case err == nil && string(indexed) == ep.Ref:
		if err := r.kv.Delete(ctx, tokenPrefix+ep.Token); err != nil {
			return fmt.Errorf("drop token index: %w", err)
		}
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("lookup token: %w", err)
	}
	if err := r.kv.Delete(ctx, endpointPrefix+ep.Ref); err != nil {
		return fmt.Errorf("delete endpoint %s: %w", ep.Ref, err)
	}
	return nil
}

func (r *Registry) removeProviderEndpoint(ctx context.Context, ref string) {
	_, err := r.guard.Run(ctx, "push.delete_endpoint", func(ctx context.Context) error {
		return r.provider.DeleteEndpoint(ctx, ref)
	})
	if err != nil {
		r.logger.Warn("provider endpoint deletion failed, removing local record anyway",
			"endpoint", ref,
			"class", resilience.Classify(err).String(),
			"error", err,
		)
	}
}
