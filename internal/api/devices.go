package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/device-hub-core/internal/audit"
	"github.com/nerrad567/device-hub-core/internal/auth"
	"github.com/nerrad567/device-hub-core/internal/device"
)

// recordAudit writes a control-plane audit entry. Best effort; a
// failing audit store never fails the request.
func (s *Server) recordAudit(ctx context.Context, e *audit.Entry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, e); err != nil {
		s.logger.Warn("recording audit entry", "action", e.Action, "error", err)
	}
}

// handleListDevices returns the devices visible to the caller's scope.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	scope := auth.AccessibleScope(principal.Permissions, auth.AccessRequest{Action: auth.ActionDeviceGet})

	devices, err := s.registry.List(r.Context())
	if err != nil {
		s.logger.Error("listing devices", "error", err)
		writeInternalError(w, "internal server error")
		return
	}

	visible := make([]device.Device, 0, len(devices))
	for _, d := range devices {
		if scope.CanAccessDevice(d.GUID) {
			visible = append(visible, d)
		}
	}
	writeJSON(w, http.StatusOK, visible)
}

// handleGetDevice returns one device by GUID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	guid := chi.URLParam(r, "deviceGuid")

	if !s.deviceAccessible(r.Context(), principal, auth.ActionDeviceGet, guid) {
		writeForbidden(w, auth.ErrAuthorizationDenied.Error())
		return
	}

	d, err := s.registry.Get(r.Context(), guid)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// registerDeviceRequest is the device registration payload.
type registerDeviceRequest struct {
	Name      string `json:"name"`
	NetworkID *int64 `json:"networkId"`
}

// handleRegisterDevice registers or re-registers a device under the
// GUID in the path. Registration is idempotent for an existing GUID
// with unchanged identity.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	guid := chi.URLParam(r, "deviceGuid")

	if !s.deviceAccessible(r.Context(), principal, auth.ActionDeviceGet, guid) {
		writeForbidden(w, auth.ErrAuthorizationDenied.Error())
		return
	}

	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeBadRequest(w, "device name is required")
		return
	}

	d := &device.Device{
		GUID:      guid,
		Name:      req.Name,
		NetworkID: req.NetworkID,
	}
	if err := s.registry.Register(r.Context(), d); err != nil {
		writeDomainError(w, err)
		return
	}

	s.recordAudit(r.Context(), &audit.Entry{
		Action:      audit.ActionRegister,
		Resource:    audit.ResourceDevice,
		ResourceID:  guid,
		PrincipalID: principal.ID,
		Source:      "rest",
		Details:     map[string]any{"name": req.Name},
	})
	writeJSON(w, http.StatusCreated, d)
}

// handleRemoveDevice deletes a device registration. Its journalled
// entities stay in the store for history queries.
func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	guid := chi.URLParam(r, "deviceGuid")

	if principal == nil || principal.Role != auth.RoleAdmin {
		writeForbidden(w, "device removal requires an administrator")
		return
	}

	if err := s.registry.Remove(r.Context(), guid); err != nil {
		writeDomainError(w, err)
		return
	}

	s.recordAudit(r.Context(), &audit.Entry{
		Action:      audit.ActionRemove,
		Resource:    audit.ResourceDevice,
		ResourceID:  guid,
		PrincipalID: principal.ID,
		Source:      "rest",
	})
	w.WriteHeader(http.StatusNoContent)
}

// issueTokenRequest describes the principal an admin wants a token for.
type issueTokenRequest struct {
	Kind        auth.PrincipalKind      `json:"kind"`
	ID          string                  `json:"id"`
	Role        auth.Role               `json:"role"`
	Permissions []auth.PermissionRecord `json:"permissions"`
	TTLMinutes  int                     `json:"ttlMinutes"`
}

// handleIssueToken mints an access token for the described principal.
// Only administrators may mint tokens.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.PrincipalFrom(r.Context())
	if caller == nil || caller.Role != auth.RoleAdmin {
		writeForbidden(w, "token minting requires an administrator")
		return
	}

	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.ID == "" {
		writeBadRequest(w, "principal ID is required")
		return
	}
	if req.Kind == "" {
		req.Kind = auth.KindAccessKey
	}
	if req.Role == "" {
		req.Role = auth.RoleClient
	}
	ttl := req.TTLMinutes
	if ttl <= 0 {
		ttl = s.secCfg.JWT.AccessTokenTTL
	}

	token, err := auth.GenerateAccessToken(&auth.Principal{
		Kind:        req.Kind,
		ID:          req.ID,
		Role:        req.Role,
		Permissions: req.Permissions,
	}, s.secCfg.JWT.Secret, ttl)
	if err != nil {
		s.logger.Error("minting access token", "error", err)
		writeInternalError(w, "internal server error")
		return
	}

	s.recordAudit(r.Context(), &audit.Entry{
		Action:      audit.ActionTokenIssue,
		Resource:    audit.ResourceToken,
		ResourceID:  req.ID,
		PrincipalID: caller.ID,
		Source:      "rest",
		Details:     map[string]any{"kind": string(req.Kind), "role": string(req.Role)},
	})
	writeJSON(w, http.StatusCreated, map[string]string{"accessToken": token})
}

// handleListAudit returns control-plane audit entries, most recent
// first. Administrators only.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.PrincipalFrom(r.Context())
	if caller == nil || caller.Role != auth.RoleAdmin {
		writeForbidden(w, "audit access requires an administrator")
		return
	}
	if s.audit == nil {
		writeJSON(w, http.StatusOK, &audit.ListResult{Entries: []audit.Entry{}})
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:     q.Get("action"),
		Resource:   q.Get("resource"),
		ResourceID: q.Get("resourceId"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "limit must be an integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "offset must be an integer")
			return
		}
		filter.Offset = n
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit entries", "error", err)
		writeInternalError(w, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
