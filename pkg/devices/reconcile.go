package devices

import (
	"context"
	"errors"
	"fmt"

	"github.com/ogulcanaydogan/costalert/pkg/push"
	"github.com/ogulcanaydogan/costalert/pkg/resilience"
)

// ReconcileResult reports one reconciliation pass.
type ReconcileResult struct {
	Scanned int      `json:"scanned"`
	Removed []string `json:"removed"`
	Errors  []string `json:"errors"`
}

// Reconcile walks every provider endpoint and removes the ones the provider reports as
// disabled or that hold a malformed token. Endpoints are processed one at a time; a failure
// on one endpoint is recorded and the pass moves on. A failed page fetch ends the pass,
// since the next page cannot be located without it.
func (r *Registry) Reconcile(ctx context.Context) *ReconcileResult {
	res := &ReconcileResult{Removed: []string{}, Errors: []string{}}

	// Per-endpoint calls bypass the breaker; only page fetches count toward it.
	perEndpoint := r.guard
	perEndpoint.Breaker = nil

	pageToken := ""
	for {
		page, err := resilience.Call(ctx, r.guard, "push.list_endpoints", func(ctx context.Context) (push.Page, error) {
			return r.provider.ListEndpoints(ctx, pageToken)
		})
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("list endpoints: %v", err))
			break
		}

		for _, ref := range page.Refs {
			res.Scanned++
			if err := r.reconcileOne(ctx, perEndpoint, ref, res); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("endpoint %s: %v", ref, err))
			}
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	r.logger.Info("device reconciliation finished",
		"scanned", res.Scanned,
		"removed", len(res.Removed),
		"errors", len(res.Errors),
	)
	return res
}

func (r *Registry) reconcileOne(ctx context.Context, guard resilience.Guard, ref string, res *ReconcileResult) error {
	attrs, err := resilience.Call(ctx, guard, "push.get_endpoint", func(ctx context.Context) (push.EndpointAttributes, error) {
		return r.provider.GetEndpointAttributes(ctx, ref)
	})
	if err != nil {
		return err
	}

	if attrs.Enabled && ValidToken(attrs.Token) {
		return nil
	}

	_, err = guard.Run(ctx, "push.delete_endpoint", func(ctx context.Context) error {
		return r.provider.DeleteEndpoint(ctx, ref)
	})
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	ep, err := r.Get(ctx, ref)
	switch {
	case errors.Is(err, ErrEndpointNotFound):
	case err != nil:
		return fmt.Errorf("provider endpoint deleted, local record kept: %w", err)
	default:
		if err := r.removeLocal(ctx, ep); err != nil {
			return err
		}
	}

	removed := attrs.Token
	if removed == "" {
		removed = ref
	}
	res.Removed = append(res.Removed, removed)
	r.logger.Info("removed invalid device endpoint",
		"endpoint", ref,
		"enabled", attrs.Enabled,
	)
	return nil
}
