package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"
)

const (
	httpRequestsTotal = "agora_http_requests_total"
	httpErrorsTotal   = "agora_http_request_errors_total"
	httpDuration      = "agora_http_request_duration_seconds"
)

var httpFamilies = []family{
	{name: httpRequestsTotal, help: "HTTP requests by route, method and status code.", kind: kindCounter, labels: []string{"handler", "method", "code"}},
	{name: httpErrorsTotal, help: "HTTP requests answered with a 5xx status.", kind: kindCounter, labels: []string{"handler", "method"}},
	{name: httpDuration, help: "HTTP request duration in seconds.", kind: kindHistogram, labels: []string{"handler", "method"},
		buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}},
}

// std 是进程内唯一的指标注册表。
var std = newRegistry(append(append([]family(nil), httpFamilies...), governanceFamilies...)...)

// ObserveHTTPRequest 记录一次 HTTP 请求的状态码与耗时。
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	std.add(httpRequestsTotal, 1, handler, method, strconv.Itoa(status))
	if status >= http.StatusInternalServerError {
		std.add(httpErrorsTotal, 1, handler, method)
	}
	std.observe(httpDuration, duration.Seconds(), handler, method)
}

// Handler 以 Prometheus 文本格式暴露全部指标。
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_ = std.write(w)
	})
}

// StartServer 在独立端口上暴露 /metrics，直到 ctx 结束。
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
