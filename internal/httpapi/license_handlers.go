package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"veridoc.org/internal/audit"
	"veridoc.org/internal/license"
	"veridoc.org/internal/obs"
)

type createLicenseRequest struct {
	Owner          string `json:"owner"`
	Tier           string `json:"tier"`
	Fingerprint    string `json:"fingerprint"`
	ValidityDays   int    `json:"validity_days"`
	MaxActivations int    `json:"max_activations"`
}

type renewRequest struct {
	ExtendDays int `json:"extend_days"`
}

type activateRequest struct {
	Fingerprint string `json:"fingerprint"`
}

type usageRequest struct {
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type"`
	Quantity     int64             `json:"quantity"`
	Metadata     map[string]string `json:"metadata"`
}

type validateRequest struct {
	Credential  string `json:"credential"`
	Fingerprint string `json:"fingerprint"`
}

// credentialResponse pairs the stored record with a freshly signed credential.
type credentialResponse struct {
	License    license.License `json:"license"`
	Credential string          `json:"credential"`
}

type validateResponse struct {
	Valid     bool                 `json:"valid"`
	Reason    string               `json:"reason"`
	LicenseID string               `json:"license_id,omitempty"`
	Tier      string               `json:"tier,omitempty"`
	ExpiresAt *time.Time           `json:"expires_at,omitempty"`
	Quota     *license.QuotaStatus `json:"quota,omitempty"`
}

type usageResponse struct {
	Record license.UsageRecord `json:"record"`
	Quota  license.QuotaStatus `json:"quota"`
}

type usageReportResponse struct {
	Stats  license.UsageStats    `json:"stats"`
	Recent []license.UsageRecord `json:"recent"`
}

func (a *API) handleLicensesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createLicense(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleLicenseResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/licenses/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if path == "validate" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.validateCredential(w, r)
		return
	}

	id, sub, _ := strings.Cut(path, "/")
	if id == "" || strings.Contains(sub, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch sub {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getLicense(w, r, id)
	case "renew":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.renewLicense(w, r, id)
	case "suspend":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.suspendLicense(w, r, id)
	case "revoke":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.revokeLicense(w, r, id)
	case "activate":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.activateLicense(w, r, id)
	case "deactivate":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.deactivateLicense(w, r, id)
	case "usage":
		switch r.Method {
		case http.MethodPost:
			a.recordUsage(w, r, id)
		case http.MethodGet:
			a.usageReport(w, r, id)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}
	case "validations":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listValidations(w, r, id)
	case "audit":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listAudit(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createLicense(w http.ResponseWriter, r *http.Request) {
	var req createLicenseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Owner) == "" {
		writeError(w, r, http.StatusBadRequest, "owner is required")
		return
	}
	if req.ValidityDays <= 0 || req.ValidityDays > 3650 {
		writeError(w, r, http.StatusBadRequest, "validity_days must be between 1 and 3650")
		return
	}

	lic, err := a.licenses.Create(r.Context(), license.CreateParams{
		Owner:          strings.TrimSpace(req.Owner),
		Tier:           strings.ToLower(strings.TrimSpace(req.Tier)),
		Fingerprint:    strings.TrimSpace(req.Fingerprint),
		Validity:       time.Duration(req.ValidityDays) * 24 * time.Hour,
		MaxActivations: req.MaxActivations,
	})
	if err != nil {
		handleLicenseError(w, r, err)
		return
	}

	credential, err := a.issuer.IssueFor(lic.ID, lic.Tier, lic.Fingerprint, lic.ExpiresAt)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "credential issuance failed")
		return
	}
	obs.IncIssued(lic.Tier)

	a.audit(r.Context(), "license.create", lic.ID, map[string]string{
		"owner":         lic.Owner,
		"tier":          lic.Tier,
		"validity_days": strconv.Itoa(req.ValidityDays),
	})

	w.Header().Set("Location", "/v1/licenses/"+lic.ID)
	writeJSON(w, http.StatusCreated, credentialResponse{License: lic, Credential: credential})
}

// validateCredential runs the full check chain: credential verification first,
// then a cross-check against the stored record so revocation and suspension
// take effect even while the signed credential itself is still intact.
func (a *API) validateCredential(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Credential) == "" {
		writeError(w, r, http.StatusBadRequest, "credential is required")
		return
	}

	res := a.verifier.Verify(req.Credential, req.Fingerprint)
	resp := validateResponse{Valid: res.Valid, Reason: string(res.Reason)}
	if res.Claims != nil {
		resp.LicenseID = res.Claims.Subject
	}

	if res.Valid {
		lic, err := a.licenses.Get(r.Context(), resp.LicenseID)
		switch {
		case errors.Is(err, license.ErrNotFound):
			resp.Valid = false
			resp.Reason = "not_found"
		case err != nil:
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		default:
			if eff := lic.EffectiveStatus(time.Now().UTC()); eff != license.StatusActive {
				resp.Valid = false
				resp.Reason = eff.String()
			} else {
				resp.Tier = lic.Tier
				expires := lic.ExpiresAt
				resp.ExpiresAt = &expires
				if stats, err := a.licenses.UsageStats(r.Context(), lic.ID); err == nil {
					q := stats.QuotaStatus
					resp.Quota = &q
				}
			}
		}
	}

	// Every attempt with a resolvable license lands in the validation history,
	// failures included.
	if resp.LicenseID != "" {
		rec := license.ValidationRecord{
			LicenseID:   resp.LicenseID,
			Fingerprint: req.Fingerprint,
			Valid:       resp.Valid,
			Reason:      resp.Reason,
		}
		if err := a.licenses.RecordValidation(r.Context(), &rec); err != nil && !errors.Is(err, license.ErrNotFound) {
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		a.audit(r.Context(), "license.validate", resp.LicenseID, map[string]string{
			"valid":  strconv.FormatBool(resp.Valid),
			"reason": resp.Reason,
		})
	}
	obs.ObserveValidation(resp.Valid, resp.Reason)

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) getLicense(w http.ResponseWriter, r *http.Request, id string) {
	lic, err := a.licenses.Get(r.Context(), id)
	if err != nil {
		handleLicenseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lic)
}

func (a *API) renewLicense(w http.ResponseWriter, r *http.Request, id string) {
	var req renewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.ExtendDays <= 0 || req.ExtendDays > 3650 {
		writeError(w, r, http.StatusBadRequest, "extend_days must be between 1 and 3650")
		return
	}

	lic, err := a.licenses.Renew(r.Context(), id, time.Duration(req.ExtendDays)*24*time.Hour)
	if err != nil {
		handleLicenseError(w, r, err)
		return
	}

	// The old credential keeps its baked-in expiry; hand out a fresh one.
	credential, err := a.issuer.IssueFor(lic.ID, lic.Tier, lic.Fingerprint, lic.ExpiresAt)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "credential issuance failed")
		return
	}

	a.audit(r.Context(), "license.renew", lic.ID, map[string]string{
		"extend_days": strconv.Itoa(req.ExtendDays),
		"expires_at":  lic.ExpiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, credentialResponse{License: lic, Credential: credential})
}

func (a *API) suspendLicense(w http.ResponseWriter, r *http.Request, id string) {
	prior, err := a.licenses.Get(r.Context(), id)
	if err != nil {
		handleLicenseError(w, r, err)
		return
	}
	lic, err := a.licenses.Suspend(r.Context(), id)
	if err != nil {
		handleLicenseError(w, r, err)
		return
	}
	a.audit(r.Context(), "license.suspend", lic.ID, map[string]string{
		"from": prior.EffectiveStatus(time.Now().UTC()).String(),
		"to":   lic.Status.String(),
	})
	writeJSON(w, http.StatusOK, lic)
}

func (a *API) revokeLicense(w http.ResponseWriter, r *http.Request, id string) {
	prior, err := a.licenses.Get(r.Context(), id)
	if err != nil {
		handleLicenseError(w, r, err)
		return
	}
	lic, err := a.licenses.Revoke(r.Context(), id)
	if err != nil {
		handleLicenseError(w, r, err)
		return
	}
	a.audit(r.Context(), "license.revoke", lic.ID, map[string]string{
		"from": prior.EffectiveStatus(time.Now().UTC()).String(),
		"to":   lic.Status.String(),
	})
	writeJSON(w, http.StatusOK, lic)
}

func (a *API) activateLicense(w http.ResponseWriter, r *http.Request, id string) {
	var req activateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Fingerprint) == "" {
		writeError(w, r, http.StatusBadRequest, "fingerprint is required")
		return
	}

	lic, err := a.licenses.Activate(r.Context(), id, strings.TrimSpace(req.Fingerprint))
	if err != nil {
		handleLicenseError(w, r, err)
		return
	}

	// Reissue bound to the device so later checks enforce the binding offline.
	credential, err := a.issuer.IssueFor(lic.ID, lic.Tier, lic.Fingerprint, lic.ExpiresAt)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "credential issuance failed")
		return
	}

	a.audit(r.Context(), "license.activate", lic.ID, map[string]string{
		"fingerprint": lic.Fingerprint,
	})
	writeJSON(w, http.StatusOK, credentialResponse{License: lic, Credential: credential})
}

func (a *API) deactivateLicense(w http.ResponseWriter, r *http.Request, id string) {
	lic, err := a.licenses.Deactivate(r.Context(), id)
	if err != nil {
		handleLicenseError(w, r, err)
		return
	}
	a.audit(r.Context(), "license.deactivate", lic.ID, nil)
	writeJSON(w, http.StatusOK, lic)
}

func (a *API) recordUsage(w http.ResponseWriter, r *http.Request, id string) {
	var req usageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := a.licenses.RecordUsage(r.Context(), id, license.UsageEvent{
		Action:       strings.TrimSpace(req.Action),
		ResourceType: strings.TrimSpace(req.ResourceType),
		Quantity:     req.Quantity,
		Metadata:     req.Metadata,
	})
	if err != nil {
		handleLicenseError(w, r, err)
		return
	}
	obs.IncUsage(rec.Action)

	stats, err := a.licenses.UsageStats(r.Context(), id)
	if err != nil {
		handleLicenseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, usageResponse{Record: rec, Quota: stats.QuotaStatus})
}

func (a *API) usageReport(w http.ResponseWriter, r *http.Request, id string) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	stats, err := a.licenses.UsageStats(r.Context(), id)
	if err != nil {
		handleLicenseError(w, r, err)
		return
	}
	recent, err := a.licenses.UsageHistory(r.Context(), id, limit)
	if err != nil {
		handleLicenseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usageReportResponse{Stats: stats, Recent: recent})
}

func (a *API) listValidations(w http.ResponseWriter, r *http.Request, id string) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := a.licenses.Validations(r.Context(), id, limit)
	if err != nil {
		handleLicenseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": recs})
}

func (a *API) listAudit(w http.ResponseWriter, r *http.Request, id string) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := a.auditor.History(r.Context(), id, limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (a *API) audit(ctx context.Context, action, targetID string, payload map[string]string) {
	if a.auditor == nil {
		return
	}
	e := audit.Entry{
		Actor:    actorFromRequest(ctx),
		Action:   action,
		TargetID: targetID,
		Payload:  payload,
	}
	if err := a.auditor.Record(ctx, &e); err != nil {
		obs.LogRequest(map[string]any{
			"ts":     time.Now().UTC().Format(time.RFC3339Nano),
			"type":   "error",
			"msg":    "audit write failed",
			"action": action,
			"error":  err.Error(),
		})
	}
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleLicenseError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, license.ErrInvalidInput), errors.Is(err, license.ErrUnknownTier):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, license.ErrInvalidTransition), errors.Is(err, license.ErrActivationLimit):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, license.ErrQuotaExceeded):
		writeError(w, r, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, license.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
