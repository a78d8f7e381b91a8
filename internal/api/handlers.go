package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"offerwatch/internal/model"
	"offerwatch/internal/quota"
	"offerwatch/internal/service"
)

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, newAPIError(http.StatusBadRequest, ErrCodeInvalidInput, "invalid id"))
		return 0, false
	}
	return id, true
}

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.svc.ListTargets(r.Context(), userID(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(targets, toTarget))
}

func (s *Server) createTarget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	t, err := s.svc.CreateTarget(r.Context(), userID(r), req.Name)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTarget(*t))
}

func (s *Server) getTarget(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := s.svc.GetTarget(r.Context(), userID(r), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTarget(*t))
}

// updateTarget applies a partial update. Absent fields are left unchanged.
func (s *Server) updateTarget(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Name     *string `json:"name"`
		IsActive *bool   `json:"is_active"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	ctx, owner := r.Context(), userID(r)
	t, err := s.svc.GetTarget(ctx, owner, id)
	if err == nil && req.Name != nil {
		t, err = s.svc.RenameTarget(ctx, owner, id, *req.Name)
	}
	if err == nil && req.IsActive != nil {
		t, err = s.svc.SetTargetActive(ctx, owner, id, *req.IsActive)
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTarget(*t))
}

func (s *Server) deleteTarget(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.svc.DeleteTarget(r.Context(), userID(r), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// toggleNotifications flips the flag, or sets it when the body carries
// {"enable": bool}. An empty body is allowed.
func (s *Server) toggleNotifications(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Enable *bool `json:"enable"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	t, err := s.svc.ToggleTargetNotifications(r.Context(), userID(r), id, req.Enable)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTarget(*t))
}

func (s *Server) changeNotificationConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		NotificationConfigID *int64 `json:"notification_config_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	t, err := s.svc.ChangeNotificationConfig(r.Context(), userID(r), id, req.NotificationConfigID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTarget(*t))
}

func (s *Server) listOffers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limit := service.DefaultOffersLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, newAPIError(http.StatusBadRequest, ErrCodeInvalidInput, "invalid limit"))
			return
		}
		limit = min(n, service.MaxOffersLimit)
	}
	offers, err := s.svc.ListOffers(r.Context(), userID(r), id, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(offers, toOffer))
}

func (s *Server) listScrapingURLs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	urls, err := s.svc.ListScrapingURLs(r.Context(), userID(r), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(urls, toScrapingURL))
}

func (s *Server) addScrapingURL(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		URL     string           `json:"url"`
		Name    string           `json:"name"`
		Kind    model.SourceKind `json:"kind"`
		Filters json.RawMessage  `json:"filters"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	u, err := s.svc.AddScrapingURL(r.Context(), userID(r), id, service.NewScrapingURL{
		URL: req.URL, Name: req.Name, Kind: req.Kind, Filters: req.Filters,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toScrapingURL(*u))
}

func (s *Server) getScrapingURL(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	u, err := s.svc.GetScrapingURL(r.Context(), userID(r), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toScrapingURL(*u))
}

func (s *Server) updateScrapingURL(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Name     *string `json:"name"`
		IsActive *bool   `json:"is_active"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	ctx, owner := r.Context(), userID(r)
	u, err := s.svc.GetScrapingURL(ctx, owner, id)
	if err == nil && req.Name != nil {
		u, err = s.svc.RenameScrapingURL(ctx, owner, id, *req.Name)
	}
	if err == nil && req.IsActive != nil {
		u, err = s.svc.SetScrapingURLActive(ctx, owner, id, *req.IsActive)
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toScrapingURL(*u))
}

// saveFilters replaces the filter document. The body is the document itself;
// null clears it.
func (s *Server) saveFilters(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var raw json.RawMessage
	if !decodeJSON(w, r, &raw) {
		return
	}
	u, err := s.svc.UpdateScrapingURLFilters(r.Context(), userID(r), id, raw)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toScrapingURL(*u))
}

func (s *Server) deleteScrapingURL(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.svc.DeleteScrapingURL(r.Context(), userID(r), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listNotificationConfigs(w http.ResponseWriter, r *http.Request) {
	cfgs, err := s.svc.ListNotificationConfigs(r.Context(), userID(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(cfgs, toNotificationConfig))
}

func (s *Server) createNotificationConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		ChatID string `json:"chat_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	cfg, err := s.svc.CreateNotificationConfig(r.Context(), userID(r), req.Name, req.ChatID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toNotificationConfig(*cfg))
}

func (s *Server) createTelegramToken(w http.ResponseWriter, r *http.Request) {
	tok, err := s.svc.CreateTelegramToken(r.Context(), userID(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, telegramTokenResponse{Token: tok.Token, TelegramBotURL: tok.BotURL})
}

func (s *Server) getNotificationConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	cfg, err := s.svc.GetNotificationConfig(r.Context(), userID(r), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toNotificationConfig(*cfg))
}

func (s *Server) deleteNotificationConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.svc.DeleteNotificationConfig(r.Context(), userID(r), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) testNotificationConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.svc.SendTestNotification(r.Context(), userID(r), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) quotaStatus(w http.ResponseWriter, r *http.Request) {
	items, err := s.svc.QuotaStatus(r.Context(), userID(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]quota.StatusItem{"items": items})
}

func (s *Server) getQuota(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	v, err := s.svc.ActiveQuota(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toActiveQuota(v))
}

// setQuota opens or overwrites a period. period_start defaults to now.
func (s *Server) setQuota(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		MaxOffers   *int       `json:"max_offers"`
		PeriodStart *time.Time `json:"period_start"`
		PeriodEnd   *time.Time `json:"period_end"`
		UsedOffers  int        `json:"used_offers"`
		AutoRenew   bool       `json:"auto_renew"`
		IsFreeTier  bool       `json:"is_free_tier"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	start := time.Now()
	if req.PeriodStart != nil {
		start = *req.PeriodStart
	}
	q, err := s.svc.SetQuota(r.Context(), quota.Period{
		TargetID:   id,
		MaxOffers:  req.MaxOffers,
		Start:      start,
		End:        req.PeriodEnd,
		Used:       req.UsedOffers,
		AutoRenew:  req.AutoRenew,
		IsFreeTier: req.IsFreeTier,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuota(*q))
}
