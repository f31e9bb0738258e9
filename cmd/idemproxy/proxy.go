package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"idem"
	"idem/middleware"
)

type inboundKey struct{}

// newProxy forwards requests to upstream and records each upstream answer as the
// processor result, before the response is relayed to the client.
func newProxy(upstream *url.URL, engine *idem.Engine, log *zap.Logger) *httputil.ReverseProxy {
	proxy := httputil.NewSingleHostReverseProxy(upstream)

	proxy.ModifyResponse = func(resp *http.Response) error {
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return fmt.Errorf("read upstream response: %w", err)
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))

		ctx := resp.Request.Context()
		req, ok := ctx.Value(inboundKey{}).(*idem.Request)
		if !ok {
			return nil
		}
		result := idem.Result{StatusCode: resp.StatusCode, Body: body}
		middleware.SetProcessorResult(ctx, result)
		if err := engine.RecordProcessorResult(ctx, req, result); err != nil {
			log.Warn("failed to record processor result", zap.Error(err))
		}
		return nil
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Error("upstream request failed", zap.String("upstream", upstream.String()), zap.Error(err))
		w.WriteHeader(http.StatusBadGateway)
	}
	return proxy
}

// proxyHandler serves every route through proxy, remembering the inbound request
// so the upstream answer can be attributed to its idempotency record.
func proxyHandler(proxy *httputil.ReverseProxy) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := context.WithValue(c.Request.Context(), inboundKey{}, idem.NewRequest(c.Request))
		proxy.ServeHTTP(c.Writer, c.Request.WithContext(ctx))
	}
}
