// Command healthcheck checks the bot's /healthz endpoint and exits non-zero
// when it is unreachable or unhealthy. Intended for container HEALTHCHECK.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	url := healthURL(os.Getenv("HEALTHCHECK_URL"), os.Getenv("HTTP_ADDR"))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := check(ctx, &http.Client{}, url); err != nil {
		slog.Error("healthcheck failed", slog.String("url", url), slog.Any("err", err))
		os.Exit(1)
	}
}

// healthURL prefers an explicit URL, otherwise targets localhost on the
// port of addr (":8080" by default).
func healthURL(explicit, addr string) string {
	if explicit != "" {
		return explicit
	}
	if addr == "" {
		addr = ":8080"
	}
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		addr = addr[i:]
	}
	return "http://localhost" + addr + "/healthz"
}

func check(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
