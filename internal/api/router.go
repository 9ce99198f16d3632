// Package api is the public HTTP surface: entitlement checks, token issuance
// and token-gated delivery, plus the internal pass event hook.
package api

import (
	"net/http"
	"time"

	"entitlement-delivery/internal/common/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Deps struct {
	Access         AccessChecker
	Issuer         TokenIssuer
	Delivery       DeliveryResolver
	PassEvents     PassEventApplier
	Principals     PrincipalResolver
	Ready          map[string]ReadinessCheck
	InternalSecret string
	// TrustedProxies lists CIDRs or addresses allowed to set X-Forwarded-For.
	TrustedProxies []string
	MaxBodyBytes   int64
	RequestTimeout time.Duration
	Logger         logger.Logger
}

func NewRouter(d Deps) http.Handler {
	log := d.Logger.WithFields(map[string]interface{}{"component": "api"})
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = 64 << 10
	}
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 10 * time.Second
	}
	h := &Handler{
		access:       d.Access,
		issuer:       d.Issuer,
		delivery:     d.Delivery,
		passEvents:   d.PassEvents,
		ready:        d.Ready,
		maxBodyBytes: d.MaxBodyBytes,
		proxies:      newProxyResolver(d.TrustedProxies, log),
		logger:       log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(accessLog(log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", h.readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(d.RequestTimeout))

		r.Group(func(r chi.Router) {
			r.Use(requirePrincipal(d.Principals, log))
			r.Get("/entitlements/{productId}", h.checkEntitlement)
			r.Post("/download-tokens", h.issueToken)
		})

		// the token is the credential
		r.Get("/downloads/{tokenId}", h.resolveDownload)
		r.Head("/downloads/{tokenId}", h.headDownload)
	})

	r.Route("/internal/v1", func(r chi.Router) {
		r.Use(requireInternalSecret(d.InternalSecret, log))
		r.Use(middleware.Timeout(d.RequestTimeout))
		r.Post("/pass-events", h.applyPassEvent)
	})

	return r
}
