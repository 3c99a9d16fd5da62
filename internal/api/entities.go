package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/device-hub-core/internal/auth"
	"github.com/nerrad567/device-hub-core/internal/device"
	"github.com/nerrad567/device-hub-core/internal/dispatch"
	"github.com/nerrad567/device-hub-core/internal/entity"
)

// notificationView is the wire shape of a notification.
type notificationView struct {
	ID           int64           `json:"id"`
	Notification string          `json:"notification"`
	DeviceGUID   string          `json:"deviceGuid"`
	Timestamp    time.Time       `json:"timestamp"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
}

// commandView is the wire shape of a command, including any update
// fields the addressed device has reported.
type commandView struct {
	ID         int64           `json:"id"`
	Command    string          `json:"command"`
	DeviceGUID string          `json:"deviceGuid"`
	Timestamp  time.Time       `json:"timestamp"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Status     string          `json:"status,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// projectEntity maps a domain entity to its endpoint wire shape.
func projectEntity(e *entity.Entity) any {
	if e.Kind == entity.KindCommand {
		return commandView{
			ID:         e.ID,
			Command:    e.Name,
			DeviceGUID: e.DeviceID,
			Timestamp:  e.Timestamp,
			Parameters: e.Parameters,
			Status:     e.Status,
			Result:     e.Result,
		}
	}
	return notificationView{
		ID:           e.ID,
		Notification: e.Name,
		DeviceGUID:   e.DeviceID,
		Timestamp:    e.Timestamp,
		Parameters:   e.Parameters,
	}
}

// projectEntities maps a batch, always returning a non-nil slice so
// empty results serialise as [] rather than null.
func projectEntities(entities []entity.Entity) []any {
	out := make([]any, 0, len(entities))
	for i := range entities {
		out = append(out, projectEntity(&entities[i]))
	}
	return out
}

// insertRequest is the shared insert payload. Exactly one of
// Notification or Command names the entity, depending on the route.
type insertRequest struct {
	Notification string          `json:"notification"`
	Command      string          `json:"command"`
	Parameters   json.RawMessage `json:"parameters"`
}

// insertResponse acknowledges an insert with the assigned identity.
type insertResponse struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// handleInsertNotification appends a device-originated notification.
func (s *Server) handleInsertNotification(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	deviceGUID := chi.URLParam(r, "deviceGuid")

	var req insertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Notification == "" {
		writeBadRequest(w, "notification name is required")
		return
	}

	s.appendEntity(w, r, principal, &entity.Entity{
		Kind:       entity.KindNotification,
		DeviceID:   deviceGUID,
		Name:       req.Notification,
		Parameters: req.Parameters,
	})
}

// handleInsertCommand appends a client-originated command.
func (s *Server) handleInsertCommand(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	deviceGUID := chi.URLParam(r, "deviceGuid")

	var req insertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Command == "" {
		writeBadRequest(w, "command name is required")
		return
	}

	s.appendEntity(w, r, principal, &entity.Entity{
		Kind:       entity.KindCommand,
		DeviceID:   deviceGUID,
		Name:       req.Command,
		Parameters: req.Parameters,
	})
}

// appendEntity runs the shared insert path and acknowledges with the
// assigned identity.
func (s *Server) appendEntity(w http.ResponseWriter, r *http.Request, principal *auth.Principal, e *entity.Entity) {
	if err := s.insertEntity(r.Context(), principal, e); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, insertResponse{ID: e.ID, Timestamp: e.Timestamp})
}

// insertEntity resolves the device, enforces scope, validates, and
// appends. Shared by the REST and WebSocket insert paths.
func (s *Server) insertEntity(ctx context.Context, principal *auth.Principal, e *entity.Entity) error {
	if !s.deviceAccessible(ctx, principal, createAction(e.Kind), e.DeviceID) {
		return auth.ErrAuthorizationDenied
	}

	dev, err := s.registry.Get(ctx, e.DeviceID)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			return err
		}
		s.logger.Error("resolving device for insert", "device", e.DeviceID, "error", err)
		return err
	}
	e.NetworkID = dev.NetworkID
	e.Origin = principal.ID

	if err := e.Validate(); err != nil {
		return err
	}
	if err := s.store.Append(ctx, e); err != nil {
		return err
	}

	if e.Kind == entity.KindNotification {
		if err := s.registry.MarkSeen(ctx, e.DeviceID, true); err != nil {
			s.logger.Warn("updating device presence", "device", e.DeviceID, "error", err)
		}
	}
	return nil
}

// updateRequest is the command update payload.
type updateRequest struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
}

// handleUpdateCommand records a command's status/result. Exactly one
// update per command is permitted; a second attempt conflicts.
func (s *Server) handleUpdateCommand(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	deviceGUID := chi.URLParam(r, "deviceGuid")

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeBadRequest(w, "invalid command ID")
		return
	}

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.updateCommandEntity(r.Context(), principal, deviceGUID, id, req.Status, req.Result); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// updateCommandEntity records the one permitted update for a command.
// Shared by the REST and WebSocket update paths.
func (s *Server) updateCommandEntity(ctx context.Context, principal *auth.Principal, deviceGUID string, id int64, status string, result json.RawMessage) error {
	if !s.deviceAccessible(ctx, principal, auth.ActionCommandUpdate, deviceGUID) {
		return auth.ErrAuthorizationDenied
	}

	original, err := s.store.Get(ctx, entity.KindCommand, deviceGUID, id)
	if err != nil {
		return err
	}

	update := &entity.Entity{
		Kind:      entity.KindCommand,
		DeviceID:  deviceGUID,
		NetworkID: original.NetworkID,
		Name:      original.Name,
		ID:        id,
		IsUpdate:  true,
		Status:    status,
		Result:    result,
		Origin:    principal.ID,
	}
	return s.store.Append(ctx, update)
}

// handleGetEntity returns a single stored entity by device and ID.
func (s *Server) handleGetEntity(kind entity.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, _ := auth.PrincipalFrom(r.Context())
		deviceGUID := chi.URLParam(r, "deviceGuid")

		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeBadRequest(w, "invalid entity ID")
			return
		}
		if !s.deviceAccessible(r.Context(), principal, getAction(kind), deviceGUID) {
			writeForbidden(w, auth.ErrAuthorizationDenied.Error())
			return
		}

		e, err := s.store.Get(r.Context(), kind, deviceGUID, id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if e.Kind == entity.KindCommand {
			if upd, err := s.store.GetUpdate(r.Context(), deviceGUID, id); err == nil {
				e.Status = upd.Status
				e.Result = upd.Result
			}
		}
		writeJSON(w, http.StatusOK, projectEntity(e))
	}
}

// handleHistory returns stored entities matching the filter, newest
// window selected by the timestamp parameter.
func (s *Server) handleHistory(kind entity.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, _ := auth.PrincipalFrom(r.Context())

		p, err := s.parseEntityQuery(r)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}

		filter, err := scopedFilter(principal, kind, p.deviceIDs, p.names)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		entities, err := s.store.QueryAfter(r.Context(), kind, filter, p.since, s.dispCfg.ReplayLimit)
		if err != nil {
			s.logger.Error("querying entity history", "kind", kind, "error", err)
			writeInternalError(w, "internal server error")
			return
		}
		writeJSON(w, http.StatusOK, projectEntities(entities))
	}
}

// getAction maps an entity kind to its read action.
func getAction(kind entity.Kind) string {
	if kind == entity.KindCommand {
		return auth.ActionCommandGet
	}
	return auth.ActionNotificationGet
}

// createAction maps an entity kind to its insert action.
func createAction(kind entity.Kind) string {
	if kind == entity.KindCommand {
		return auth.ActionCommandCreate
	}
	return auth.ActionNotificationCreate
}

// scopedFilter narrows a requested filter to the principal's
// accessible devices. Explicitly requested devices that are all
// inaccessible deny the request outright.
func scopedFilter(principal *auth.Principal, kind entity.Kind, deviceIDs, names []string) (entity.Filter, error) {
	scope := auth.AccessibleScope(principal.Permissions, principal.AccessFor(getAction(kind)))

	f := entity.Filter{Names: names}
	if len(deviceIDs) > 0 {
		effective := scope.IntersectDevices(deviceIDs)
		if len(effective) == 0 {
			return entity.Filter{}, auth.ErrAuthorizationDenied
		}
		f.DeviceIDs = effective
	} else if !scope.AllDevices {
		f.DeviceIDs = scope.DeviceIDs
	}
	return f, nil
}

// deviceAccessible checks whether the principal may exercise the
// action against one device, folding in its network for records that
// restrict by network ID.
func (s *Server) deviceAccessible(ctx context.Context, principal *auth.Principal, action, deviceGUID string) bool {
	if principal == nil {
		return false
	}

	req := principal.AccessFor(action)
	req.DeviceID = deviceGUID
	if dev, err := s.registry.Get(ctx, deviceGUID); err == nil {
		req.NetworkID = dev.NetworkID
	}
	return auth.Allows(principal.Permissions, req)
}

// entityQuery carries the parsed common query parameters.
type entityQuery struct {
	deviceIDs []string
	names     []string
	since     time.Time
	timeout   time.Duration
}

// parseEntityQuery parses deviceGuids, names, timestamp, and
// waitTimeout. An absent timestamp means "now": pollers only want
// events after the request, history callers typically pass an
// explicit one.
func (s *Server) parseEntityQuery(r *http.Request) (entityQuery, error) {
	q := r.URL.Query()
	p := entityQuery{
		deviceIDs: splitParam(q.Get("deviceGuids")),
		names:     splitParam(q.Get("names")),
		since:     time.Now().UTC(),
	}

	if ts := q.Get("timestamp"); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return entityQuery{}, errors.New("timestamp must be RFC 3339")
		}
		p.since = parsed
	}

	if wt := q.Get("waitTimeout"); wt != "" {
		seconds, err := strconv.Atoi(wt)
		if err != nil || seconds < 0 {
			return entityQuery{}, errors.New("waitTimeout must be a non-negative integer")
		}
		p.timeout = time.Duration(seconds) * time.Second
	} else {
		p.timeout = defaultWaitTimeout
	}
	if max := time.Duration(s.dispCfg.MaxWaitTimeout) * time.Second; p.timeout > max {
		p.timeout = max
	}
	return p, nil
}

// defaultWaitTimeout applies when a poll request omits waitTimeout.
const defaultWaitTimeout = 30 * time.Second

// handlePoll blocks until matching entities exist or the wait times
// out: 200 with a JSON array on match, 204 on an empty timeout.
func (s *Server) handlePoll(kind entity.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, _ := auth.PrincipalFrom(r.Context())

		p, err := s.parseEntityQuery(r)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		if guid := chi.URLParam(r, "deviceGuid"); guid != "" {
			p.deviceIDs = []string{guid}
		}

		entities, err := s.dispatcher.Await(r.Context(), principal, pollSubscriberID(r), dispatch.PollRequest{
			Kind:      kind,
			DeviceIDs: p.deviceIDs,
			Names:     p.names,
			Since:     p.since,
			Timeout:   p.timeout,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			writeDomainError(w, err)
			return
		}
		if len(entities) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, projectEntities(entities))
	}
}

// handlePollCommandUpdate blocks until the addressed command has been
// updated by its device: 200 with the update on match, 204 otherwise.
func (s *Server) handlePollCommandUpdate(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	deviceGUID := chi.URLParam(r, "deviceGuid")

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeBadRequest(w, "invalid command ID")
		return
	}
	if !s.deviceAccessible(r.Context(), principal, auth.ActionCommandGet, deviceGUID) {
		writeForbidden(w, auth.ErrAuthorizationDenied.Error())
		return
	}

	p, err := s.parseEntityQuery(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	// The original must exist before anything waits on its update.
	if _, err := s.store.Get(r.Context(), entity.KindCommand, deviceGUID, id); err != nil {
		writeDomainError(w, err)
		return
	}

	upd, err := s.dispatcher.AwaitUpdate(r.Context(), deviceGUID, id, p.timeout)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		writeDomainError(w, err)
		return
	}
	if upd == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, projectEntity(upd))
}

// pollSubscriberID derives a transient subscriber identity for one
// poll request from its request ID.
func pollSubscriberID(r *http.Request) string {
	if id, ok := r.Context().Value(ctxKeyRequestID).(string); ok {
		return "poll-" + id
	}
	return "poll-anonymous"
}

// splitParam splits a comma-separated query value, dropping empties.
func splitParam(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
