// Package pushtest provides an in-memory push.Provider for tests.
package pushtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ogulcanaydogan/costalert/pkg/push"
	"github.com/ogulcanaydogan/costalert/pkg/resilience"
)

// Message is one payload accepted by Publish.
type Message struct {
	Ref     string
	Payload []byte
}

// Fake is an in-memory push.Provider. Fail hooks return the error to inject for a call,
// or nil to let it proceed.
type Fake struct {
	mu        sync.Mutex
	endpoints map[string]*push.EndpointAttributes
	seq       int

	Platform push.PlatformInfo
	PageSize int
	Messages []Message
	Calls    map[string]int

	FailCreate  func(token string) error
	FailSet     func(ref string) error
	FailDelete  func(ref string) error
	FailGet     func(ref string) error
	FailList    func(pageToken string) error
	FailPublish func(ref string) error
	FailInfo    func() error
}

// NewFake returns an empty provider whose platform was created at createdAt.
func NewFake(createdAt time.Time) *Fake {
	return &Fake{
		endpoints: make(map[string]*push.EndpointAttributes),
		Platform:  push.PlatformInfo{CreatedAt: createdAt, Enabled: true},
		PageSize:  100,
		Calls:     make(map[string]int),
	}
}

func (f *Fake) Name() string { return "fake" }

// Seed adds an endpoint directly and returns its ref.
func (f *Fake) Seed(token string, enabled bool) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	ref := fmt.Sprintf("ep-%03d", f.seq)
	f.endpoints[ref] = &push.EndpointAttributes{Token: token, Enabled: enabled}
	return ref
}

// Disable marks ref as disabled, as a platform does after delivery feedback.
func (f *Fake) Disable(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ep, ok := f.endpoints[ref]; ok {
		ep.Enabled = false
	}
}

// Endpoint returns the stored attributes for ref.
func (f *Fake) Endpoint(ref string) (push.EndpointAttributes, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ep, ok := f.endpoints[ref]
	if !ok {
		return push.EndpointAttributes{}, false
	}
	return *ep, true
}

// Count returns how many endpoints exist.
func (f *Fake) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.endpoints)
}

// CallCount returns how many times method was invoked.
func (f *Fake) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[method]
}

func (f *Fake) CreateEndpoint(ctx context.Context, token, userData string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["CreateEndpoint"]++
	if f.FailCreate != nil {
		if err := f.FailCreate(token); err != nil {
			return "", err
		}
	}
	f.seq++
	ref := fmt.Sprintf("ep-%03d", f.seq)
	f.endpoints[ref] = &push.EndpointAttributes{Token: token, Enabled: true}
	return ref, nil
}

func (f *Fake) SetEndpointToken(ctx context.Context, ref, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["SetEndpointToken"]++
	if f.FailSet != nil {
		if err := f.FailSet(ref); err != nil {
			return err
		}
	}
	ep, ok := f.endpoints[ref]
	if !ok {
		return notFound("push.set_endpoint_token", ref)
	}
	ep.Token = token
	ep.Enabled = true
	return nil
}

func (f *Fake) DeleteEndpoint(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["DeleteEndpoint"]++
	if f.FailDelete != nil {
		if err := f.FailDelete(ref); err != nil {
			return err
		}
	}
	delete(f.endpoints, ref)
	return nil
}

func (f *Fake) GetEndpointAttributes(ctx context.Context, ref string) (push.EndpointAttributes, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["GetEndpointAttributes"]++
	if f.FailGet != nil {
		if err := f.FailGet(ref); err != nil {
			return push.EndpointAttributes{}, err
		}
	}
	ep, ok := f.endpoints[ref]
	if !ok {
		return push.EndpointAttributes{}, notFound("push.get_endpoint", ref)
	}
	return *ep, nil
}

// ListEndpoints pages through refs in sorted order. The page token is the last ref of the
// previous page, so deletions between pages do not shift later results.
func (f *Fake) ListEndpoints(ctx context.Context, pageToken string) (push.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["ListEndpoints"]++
	if f.FailList != nil {
		if err := f.FailList(pageToken); err != nil {
			return push.Page{}, err
		}
	}

	refs := make([]string, 0, len(f.endpoints))
	for ref := range f.endpoints {
		if ref > pageToken {
			refs = append(refs, ref)
		}
	}
	sort.Strings(refs)

	if len(refs) <= f.PageSize {
		return push.Page{Refs: refs}, nil
	}
	refs = refs[:f.PageSize]
	return push.Page{Refs: refs, NextPageToken: refs[len(refs)-1]}, nil
}

func (f *Fake) Publish(ctx context.Context, ref string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["Publish"]++
	if f.FailPublish != nil {
		if err := f.FailPublish(ref); err != nil {
			return "", err
		}
	}
	ep, ok := f.endpoints[ref]
	if !ok {
		return "", notFound("push.publish", ref)
	}
	if !ep.Enabled {
		return "", resilience.ChannelSpecific("push.publish", resilience.CodeEndpointDisabled, errors.New("endpoint disabled"))
	}
	f.Messages = append(f.Messages, Message{Ref: ref, Payload: append([]byte(nil), payload...)})
	return fmt.Sprintf("msg-%d", len(f.Messages)), nil
}

func (f *Fake) PlatformInfo(ctx context.Context) (push.PlatformInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["PlatformInfo"]++
	if f.FailInfo != nil {
		if err := f.FailInfo(); err != nil {
			return push.PlatformInfo{}, err
		}
	}
	return f.Platform, nil
}

func notFound(op, ref string) error {
	return &resilience.Error{Class: resilience.ClassValidation, Code: resilience.CodeNotFound, StatusCode: 404, Op: op, Err: fmt.Errorf("endpoint %q not found", ref)}
}

var _ push.Provider = (*Fake)(nil)
