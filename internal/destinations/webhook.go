package destinations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ratchetd/ratchet/internal/xerrors"
)

type webhookDestination struct {
	desc   Descriptor
	client *http.Client
}

func newWebhook(d Descriptor) *webhookDestination {
	timeout := 30 * time.Second
	if d.TimeoutSeconds > 0 {
		timeout = time.Duration(d.TimeoutSeconds) * time.Second
	}

	return &webhookDestination{
		desc:   d,
		client: &http.Client{Timeout: timeout},
	}
}

func (w *webhookDestination) Deliver(ctx context.Context, payload json.RawMessage, dctx DeliveryContext) (*int, error) {
	method := w.desc.Method
	if method == "" {
		method = http.MethodPost
	}

	url := renderTemplate(w.desc.URL, dctx)

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Permanent(xerrors.CodeInvalidInput, "build webhook request", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ratchet-output-dispatcher/1.0")
	if dctx.JobUUID != "" {
		req.Header.Set("X-Ratchet-Job", dctx.JobUUID)
	}
	for k, v := range w.desc.Headers {
		req.Header.Set(k, renderTemplate(v, dctx))
	}

	if a := w.desc.Auth; a != nil {
		switch a.Type {
		case "bearer":
			req.Header.Set("Authorization", "Bearer "+a.Token)
		case "basic":
			req.SetBasicAuth(a.Username, a.Password)
		case "api_key":
			header := a.Header
			if header == "" {
				header = "X-API-Key"
			}
			req.Header.Set(header, a.Key)
		}
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, xerrors.Transient(xerrors.CodeNetworkTimeout, "webhook request failed", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	status := resp.StatusCode

	switch {
	case status >= 200 && status < 300:
		return &status, nil
	case status == http.StatusTooManyRequests || status >= 500:
		return &status, xerrors.Transient(xerrors.CodeServiceUnavailable,
			fmt.Sprintf("webhook returned %d", status), nil)
	default:
		return &status, xerrors.Permanent(xerrors.CodeInvalidInput,
			fmt.Sprintf("webhook returned %d", status), nil)
	}
}
