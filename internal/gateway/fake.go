package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Fake is an in-process Gateway for tests and local runs. Verifications are
// scripted per reference; webhooks are JSON WebhookEvent bodies signed by
// the "x-fake-signature" header equal to the secret.
type Fake struct {
	mu sync.Mutex

	Secret      string
	Unavailable bool

	byRef       map[string]Verification
	byID        map[string]string
	rejected    map[string]bool
	checkouts   []CheckoutRequest
	verifyCalls int
}

func NewFake(secret string) *Fake {
	return &Fake{Secret: secret, byRef: map[string]Verification{}, byID: map[string]string{}, rejected: map[string]bool{}}
}

func (f *Fake) Name() string { return "fake" }

// SetVerification scripts what both verify calls return for v.Reference.
func (f *Fake) SetVerification(v Verification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byRef[v.Reference] = v
	if v.ProviderRef != "" {
		f.byID[v.ProviderRef] = v.Reference
	}
}

// Reject makes VerifyByID answer ErrRejected for providerID.
func (f *Fake) Reject(providerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected[providerID] = true
}

func (f *Fake) SetUnavailable(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Unavailable = down
}

func (f *Fake) Checkouts() []CheckoutRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CheckoutRequest(nil), f.checkouts...)
}

func (f *Fake) VerifyCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyCalls
}

func (f *Fake) CreateCheckout(ctx context.Context, req CheckoutRequest) (Checkout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unavailable {
		return Checkout{}, ErrUnavailable
	}
	f.checkouts = append(f.checkouts, req)
	return Checkout{Link: "https://checkout.test/pay/" + req.Reference, Reference: req.Reference}, nil
}

func (f *Fake) VerifyByReference(ctx context.Context, reference string) (Verification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	if f.Unavailable {
		return Verification{}, ErrUnavailable
	}
	v, ok := f.byRef[reference]
	if !ok {
		return Verification{}, ErrNotFound
	}
	return v, nil
}

func (f *Fake) VerifyByID(ctx context.Context, providerID string) (Verification, error) {
	f.mu.Lock()
	ref, ok := f.byID[providerID]
	bad := f.rejected[providerID]
	f.mu.Unlock()
	if bad {
		return Verification{}, fmt.Errorf("%w: malformed id %q", ErrRejected, providerID)
	}
	if !ok {
		f.mu.Lock()
		f.verifyCalls++
		down := f.Unavailable
		f.mu.Unlock()
		if down {
			return Verification{}, ErrUnavailable
		}
		return Verification{}, ErrNotFound
	}
	return f.VerifyByReference(ctx, ref)
}

func (f *Fake) ParseWebhook(header http.Header, body []byte) (WebhookEvent, error) {
	if f.Secret == "" || header.Get("x-fake-signature") != f.Secret {
		return WebhookEvent{}, ErrInvalidSignature
	}
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return ev, nil
}
