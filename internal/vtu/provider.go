package vtu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrProviderUnavailable is a transport failure or 5xx from the provider.
var ErrProviderUnavailable = errors.New("vtu: provider unavailable")

// HTTPProvider calls a JSON VTU aggregator:
//
//	POST {base}/v1/purchase/{service}
//	{"request_id","service","recipient","amount","meta"}
//	-> {"status":"success|failed|pending","reference","token","message"}
type HTTPProvider struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type providerResponse struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Token     string `json:"token"`
	Message   string `json:"message"`
}

func (p *HTTPProvider) Deliver(ctx context.Context, o Order) (Delivery, error) {
	body, err := json.Marshal(o)
	if err != nil {
		return Delivery{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/purchase/"+string(o.Kind), bytes.NewReader(body))
	if err != nil {
		return Delivery{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Idempotency-Key", o.Reference)

	resp, err := p.http.Do(req)
	if err != nil {
		var nerr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
			return Delivery{}, fmt.Errorf("%w: %v", ErrDeliveryUnknown, err)
		}
		return Delivery{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 500 {
		return Delivery{}, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}
	var pr providerResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return Delivery{}, fmt.Errorf("decode provider response: %w", err)
	}
	if resp.StatusCode >= 400 || !strings.EqualFold(pr.Status, "success") {
		msg := pr.Message
		if msg == "" {
			msg = pr.Status
		}
		return Delivery{}, fmt.Errorf("provider declined: %s", msg)
	}
	return Delivery{ProviderRef: pr.Reference, Token: pr.Token, Message: pr.Message}, nil
}
