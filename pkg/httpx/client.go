package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// maxResponseBytes caps how much of an upstream body one call will
// buffer. The gateway's backends speak small JSON payloads.
const maxResponseBytes = 4 << 20

// RequestJSON issues a JSON request with bounded retries. Transport
// errors and 5xx responses are retried after retryDelay; any other
// outcome is final. The context bounds the whole call, backoff
// included.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	var (
		status  int
		payload []byte
		err     error
	)
	for attempt := 0; ; attempt++ {
		status, payload, err = oneAttempt(ctx, client, method, url, body, headers)
		if attempt >= retries || !retryable(status, err) {
			return status, payload, err
		}
		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

func oneAttempt(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, payload, nil
}

func retryable(status int, err error) bool {
	return err != nil || status >= http.StatusInternalServerError
}
