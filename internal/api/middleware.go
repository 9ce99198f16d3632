package api

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"entitlement-delivery/internal/common/errors"
	"entitlement-delivery/internal/common/logger"
	"entitlement-delivery/internal/common/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type ctxKey int

const principalKey ctxKey = iota

// InternalSecretHeader carries the shared secret for /internal routes.
const InternalSecretHeader = "X-Internal-Secret"

// PrincipalResolver identifies the caller of a request.
type PrincipalResolver interface {
	Principal(r *http.Request) (string, error)
}

// HeaderPrincipal trusts a header set by the upstream gateway.
type HeaderPrincipal string

func (h HeaderPrincipal) Principal(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(string(h)))
	if id == "" {
		return "", errors.NewAuthenticationError("missing " + string(h) + " header")
	}
	return id, nil
}

// TokenResolver maps a bearer token to a principal id.
type TokenResolver interface {
	ResolvePrincipal(ctx context.Context, bearer string) (string, error)
}

// BearerPrincipal resolves the Authorization bearer token.
type BearerPrincipal struct {
	Resolver TokenResolver
}

func (b BearerPrincipal) Principal(r *http.Request) (string, error) {
	const prefix = "bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", errors.NewAuthenticationError("missing bearer token")
	}
	return b.Resolver.ResolvePrincipal(r.Context(), strings.TrimSpace(h[len(prefix):]))
}

func principalFromContext(ctx context.Context) string {
	id, _ := ctx.Value(principalKey).(string)
	return id
}

func requirePrincipal(resolver PrincipalResolver, log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := resolver.Principal(r)
			if err != nil {
				writeError(w, log, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, id)))
		})
	}
}

// requireInternalSecret guards service-to-service routes. An empty secret
// disables them.
func requireInternalSecret(secret string, log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(InternalSecretHeader)
			if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				writeError(w, log, errors.NewAuthenticationError("internal route"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// accessLog logs and times every request by route pattern, so token values in
// paths never reach logs or metric labels.
func accessLog(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)

			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())

			fields := map[string]interface{}{
				"requestId":  middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"route":      route,
				"status":     status,
				"durationMs": elapsed.Milliseconds(),
			}
			if status >= http.StatusInternalServerError {
				log.Warn("request failed", fields)
				return
			}
			log.Debug("request served", fields)
		})
	}
}

// proxyResolver picks the client address of a request. X-Forwarded-For is
// honoured only when the peer is a trusted proxy, and is then read right to
// left up to the first hop that is not itself trusted.
type proxyResolver struct {
	trusted []netip.Prefix
}

// newProxyResolver accepts CIDRs and bare addresses. Invalid entries are
// skipped and logged.
func newProxyResolver(entries []string, log logger.Logger) proxyResolver {
	var p proxyResolver
	for _, e := range entries {
		prefix, err := parseTrustedProxy(e)
		if err != nil {
			log.Warn("ignoring trusted proxy entry", map[string]interface{}{"entry": e, "error": err.Error()})
			continue
		}
		p.trusted = append(p.trusted, prefix)
	}
	return p
}

func parseTrustedProxy(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, err
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func (p proxyResolver) trusts(addr netip.Addr) bool {
	for _, prefix := range p.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func (p proxyResolver) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	client, err := netip.ParseAddr(host)
	if err != nil {
		return host
	}
	client = client.Unmap()

	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(v, ",")...)
	}
	for i := len(hops) - 1; i >= 0 && p.trusts(client); i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		client = hop.Unmap()
	}
	return client.String()
}
