package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"docgate/pkg/httpx"
)

// Testable variables for main()
var (
	exitFn  = os.Exit
	printf  = fmt.Printf
	errorf  = func(format string, args ...any) { fmt.Fprintf(os.Stderr, format, args...) }
	clientG = &http.Client{}
)

func main() {
	url := flag.String("url", "http://localhost:8080/healthz", "gateway health endpoint")
	timeout := flag.Duration("timeout", 3*time.Second, "request timeout")
	retries := flag.Int("retries", 2, "retries on transport errors and 5xx")
	flag.Parse()

	exitFn(run(*url, *timeout, *retries))
}

func run(url string, timeout time.Duration, retries int) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	status, body, err := httpx.RequestJSON(ctx, clientG, http.MethodGet, url, nil, nil, retries, 100*time.Millisecond)
	if err != nil {
		errorf("health check failed: %v\n", err)
		return 1
	}
	if status != http.StatusOK {
		errorf("health check failed: status %d\n", status)
		return 1
	}
	var payload map[string]string
	if err := json.Unmarshal(body, &payload); err != nil || payload["status"] != "ok" {
		errorf("health check failed: unexpected body %q\n", body)
		return 1
	}
	printf("%s ok\n", payload["service"])
	return 0
}
