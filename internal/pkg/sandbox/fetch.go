package sandbox

import (
	"io"
	"net/http"
	"strings"

	"github.com/dop251/goja"
)

const defaultMaxResponseBytes = 10 << 20

type fetchInit struct {
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// hostFetch performs the HTTP call behind the sandbox fetch(). It is only reachable
// for calls that were granted network access.
func (w *Worker) hostFetch(call goja.FunctionCall) goja.Value {

	if !w.allowNetwork() {
		w.violate(msgNetworkDisabled)
	}

	url := call.Argument(0).String()
	var init fetchInit
	if arg := call.Argument(1); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
		if err := w.vm.ExportTo(arg, &init); err != nil {
			panic(w.vm.NewTypeError("fetch: invalid init: %v", err))
		}
	}
	if init.Method == "" {
		init.Method = http.MethodGet
	}

	var body io.Reader
	if init.Body != "" {
		body = strings.NewReader(init.Body)
	}

	req, err := http.NewRequestWithContext(w.inv.ctx, strings.ToUpper(init.Method), url, body)
	if err != nil {
		panic(w.vm.NewTypeError("fetch failed: %v", err))
	}
	for k, v := range init.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.httpClient().Do(req)
	if err != nil {
		panic(w.vm.NewTypeError("fetch failed: %v", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, w.maxResponseBytes()))
	if err != nil {
		panic(w.vm.NewTypeError("fetch failed reading body: %v", err))
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}

	return w.vm.ToValue(map[string]any{
		"ok":         resp.StatusCode >= 200 && resp.StatusCode < 300,
		"status":     resp.StatusCode,
		"statusText": http.StatusText(resp.StatusCode),
		"url":        resp.Request.URL.String(),
		"headers":    headers,
		"body":       string(data),
	})
}

func (w *Worker) httpClient() *http.Client {
	if w.config.HTTPClient != nil {
		return w.config.HTTPClient
	}
	return http.DefaultClient
}

func (w *Worker) maxResponseBytes() int64 {
	if w.config.MaxResponseBytes > 0 {
		return w.config.MaxResponseBytes
	}
	return defaultMaxResponseBytes
}
