package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"entitlement-delivery/internal/blob"
	"entitlement-delivery/internal/common/errors"
	"entitlement-delivery/internal/common/logger"
	"entitlement-delivery/internal/common/validation"
	"entitlement-delivery/internal/entitlement"
	"entitlement-delivery/internal/gateway"
	"entitlement-delivery/internal/models"
	"entitlement-delivery/internal/tokens"

	"github.com/go-chi/chi/v5"
)

type AccessChecker interface {
	CheckAccess(ctx context.Context, principalID, productID string) (entitlement.Decision, error)
}

type TokenIssuer interface {
	IssueToken(ctx context.Context, req tokens.IssueRequest) (*tokens.IssuedToken, error)
}

type DeliveryResolver interface {
	Resolve(ctx context.Context, req gateway.ResolveRequest) (*gateway.Resolution, error)
	Head(ctx context.Context, tokenID, fileKey string) (*gateway.FileInfo, error)
}

type PassEventApplier interface {
	ApplyPassEvent(ctx context.Context, ev models.PassEvent) (entitlement.ApplyResult, error)
}

// ReadinessCheck reports whether one dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

type Handler struct {
	access       AccessChecker
	issuer       TokenIssuer
	delivery     DeliveryResolver
	passEvents   PassEventApplier
	ready        map[string]ReadinessCheck
	maxBodyBytes int64
	proxies      proxyResolver
	logger       logger.Logger
}

type tokenRequest struct {
	ProductID     string   `json:"productId"`
	EntitlementID string   `json:"entitlementId,omitempty"`
	FileKeys      []string `json:"fileKeys"`
	MaxUses       int      `json:"maxUses,omitempty"`
	TTLSeconds    int      `json:"ttlSeconds,omitempty"`
}

func (h *Handler) checkEntitlement(w http.ResponseWriter, r *http.Request) {
	d, err := h.access.CheckAccess(r.Context(), principalFromContext(r.Context()), chi.URLParam(r, "productId"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	// a denial is an answer, not a failure
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) issueToken(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(w, r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := validateDocument(validation.SchemaTokenRequest, body); err != nil {
		writeError(w, h.logger, err)
		return
	}
	var req tokenRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, h.logger, errors.NewInvalidRequestError(err.Error()))
		return
	}

	principalID := principalFromContext(r.Context())
	entitlementID := req.EntitlementID
	if entitlementID == "" {
		d, err := h.access.CheckAccess(r.Context(), principalID, req.ProductID)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		if !d.Granted {
			writeError(w, h.logger, d.Err())
			return
		}
		entitlementID = d.EntitlementID
	}

	tok, err := h.issuer.IssueToken(r.Context(), tokens.IssueRequest{
		PrincipalID:   principalID,
		EntitlementID: entitlementID,
		ProductID:     req.ProductID,
		FileKeys:      req.FileKeys,
		ClientIP:      h.proxies.clientIP(r),
		UserAgent:     r.UserAgent(),
		Options: tokens.IssueOptions{
			MaxUses: req.MaxUses,
			TTL:     time.Duration(req.TTLSeconds) * time.Second,
		},
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

func (h *Handler) resolveDownload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	disposition := blob.Attachment
	if inline, _ := strconv.ParseBool(q.Get("inline")); inline {
		disposition = blob.Inline
	}

	res, err := h.delivery.Resolve(r.Context(), gateway.ResolveRequest{
		TokenID:     chi.URLParam(r, "tokenId"),
		FileKey:     q.Get("file"),
		ClientIP:    h.proxies.clientIP(r),
		UserAgent:   r.UserAgent(),
		Disposition: disposition,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) headDownload(w http.ResponseWriter, r *http.Request) {
	info, err := h.delivery.Head(r.Context(), chi.URLParam(r, "tokenId"), r.URL.Query().Get("file"))
	if err != nil {
		writeErrorHeaders(w, h.logger, err)
		return
	}
	hdr := w.Header()
	hdr.Set("Content-Type", info.ContentType)
	hdr.Set("Content-Length", strconv.FormatInt(info.Size, 10))
	if !info.LastModified.IsZero() {
		hdr.Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	}
	hdr.Set("X-File-Key", info.FileKey)
	hdr.Set("X-Remaining-Uses", strconv.Itoa(info.RemainingUses))
	hdr.Set("X-Token-Expires-At", info.ExpiresAt.UTC().Format(time.RFC3339))
	hdr.Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) applyPassEvent(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(w, r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := validateDocument(validation.SchemaPassEvent, body); err != nil {
		writeError(w, h.logger, err)
		return
	}
	var ev models.PassEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, h.logger, errors.NewInvalidRequestError(err.Error()))
		return
	}

	res, err := h.passEvents.ApplyPassEvent(r.Context(), ev)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.ready))
	for name, check := range h.ready {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, status, map[string]interface{}{"status": http.StatusText(status), "checks": checks})
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		return nil, errors.NewInvalidRequestError("request body too large or unreadable")
	}
	return body, nil
}

func validateDocument(schema string, body []byte) error {
	res, err := validation.Validate(schema, body)
	if err != nil {
		return errors.NewInternalError(err)
	}
	return res.Err()
}
