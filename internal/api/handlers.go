package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/jmaas/playwarden/internal/stats"
	"github.com/jmaas/playwarden/internal/storage"
)

func windowParam(r *http.Request) (stats.Window, bool) {
	switch r.URL.Query().Get("window") {
	case "", "today":
		return stats.WindowToday, true
	case "week":
		return stats.WindowWeek, true
	case "month":
		return stats.WindowMonth, true
	}
	return "", false
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	devices := s.engine.Devices()
	out := make([]any, 0, len(devices))
	for _, id := range devices {
		out = append(out, s.engine.DeviceStatus(id))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	device := mux.Vars(r)["device"]
	s.writeJSON(w, http.StatusOK, s.engine.DeviceStatus(device))
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.Users().List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, users)
}

type userStatsResponse struct {
	User             string `json:"user"`
	Window           string `json:"window"`
	Minutes          int64  `json:"minutes"`
	LimitMinutes     int    `json:"limit_minutes"`
	RemainingMinutes int64  `json:"remaining_minutes"`
	Active           bool   `json:"active"`
	Game             string `json:"game,omitempty"`
}

func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	window, ok := windowParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "window must be today, week or month")
		return
	}

	minutes, err := s.agg.UserMinutes(r.Context(), user, window)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	limit, err := s.policy.ResolveLimit(r.Context(), user)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := userStatsResponse{
		User:         user,
		Window:       string(window),
		Minutes:      minutes,
		LimitMinutes: limit,
	}
	if limit >= 0 {
		daily, err := s.agg.UserMinutes(r.Context(), user, stats.WindowToday)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.RemainingMinutes = int64(limit) - daily
		if resp.RemainingMinutes < 0 {
			resp.RemainingMinutes = 0
		}
	} else {
		resp.RemainingMinutes = -1
	}
	for _, a := range s.engine.ActiveSessions() {
		if a.User == user {
			resp.Active = true
			resp.Game = a.Game
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUserGames(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	window, ok := windowParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "window must be today, week or month")
		return
	}
	if game := r.URL.Query().Get("game"); game != "" {
		minutes, err := s.agg.GameMinutes(r.Context(), user, game, window)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"user": user, "game": game, "window": window, "minutes": minutes,
		})
		return
	}
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	top, err := s.agg.TopGames(r.Context(), user, window, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, top)
}

func (s *Server) handleUserHistory(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	window, ok := windowParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "window must be today, week or month")
		return
	}
	rows, err := s.agg.DailyHistory(r.Context(), user, window)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleGetLimit(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	limit, err := s.store.Limits().Get(r.Context(), user)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no limit configured")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, limit)
}

func (s *Server) handleSetLimit(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	var limit storage.UserLimit
	if err := json.NewDecoder(r.Body).Decode(&limit); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid limit body")
		return
	}
	limit.User = user
	if limit.DailyMinutes < 0 {
		s.writeError(w, http.StatusBadRequest, "daily_minutes must not be negative")
		return
	}
	for day, minutes := range limit.WeekdayMinutes {
		if day < 0 || day > 6 || minutes < 0 {
			s.writeError(w, http.StatusBadRequest, "weekday overrides must map 0-6 to non-negative minutes")
			return
		}
	}
	if err := s.store.Limits().Set(r.Context(), limit); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// A raised limit takes effect immediately: any pending warning is
	// re-derived on the next scan against the new cap.
	s.policy.CancelWarning(user)
	s.writeJSON(w, http.StatusOK, limit)
}

func (s *Server) handleGetAccess(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	allowed, err := s.store.Limits().GetAccess(r.Context(), user)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

func (s *Server) handleSetAccess(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	var body struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid access body")
		return
	}
	if err := s.store.Limits().SetAccess(r.Context(), user, body.Allowed); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"allowed": body.Allowed})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	notes, err := s.store.Events().ListUnread(r.Context(), user)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, notes)
}

func (s *Server) handleDeleteUserData(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	if err := s.store.Sessions().DeleteByUser(r.Context(), user); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.Stats().DeleteByUser(r.Context(), user); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Warn().Str("user", user).Msg("User data deleted")
	s.writeJSON(w, http.StatusOK, map[string]string{"deleted": user})
}

func (s *Server) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.ActiveSessions())
}

func (s *Server) handleShutdowns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.store.Events().ListShutdowns(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleStandby(w http.ResponseWriter, r *http.Request) {
	device := mux.Vars(r)["device"]
	user := r.URL.Query().Get("user")
	s.engine.RequestStandby(r.Context(), user, device)
	s.writeJSON(w, http.StatusOK, map[string]string{"standby": device})
}

type reportEntry struct {
	User           string              `json:"user"`
	TodayMinutes   int64               `json:"today_minutes"`
	WeekMinutes    int64               `json:"week_minutes"`
	MonthMinutes   int64               `json:"month_minutes"`
	LimitMinutes   int                 `json:"limit_minutes"`
	TopGames       []storage.GameTotal `json:"top_games"`
	ActiveGame     string              `json:"active_game,omitempty"`
	CurrentlyActive bool               `json:"currently_active"`
}

// handleReport builds a per-user summary across all windows.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.Users().List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	active := make(map[string]string)
	for _, a := range s.engine.ActiveSessions() {
		active[a.User] = a.Game
	}

	out := make([]reportEntry, 0, len(users))
	for _, user := range users {
		entry := reportEntry{User: user}
		for _, tc := range []struct {
			window stats.Window
			dest   *int64
		}{
			{stats.WindowToday, &entry.TodayMinutes},
			{stats.WindowWeek, &entry.WeekMinutes},
			{stats.WindowMonth, &entry.MonthMinutes},
		} {
			m, err := s.agg.UserMinutes(r.Context(), user, tc.window)
			if err != nil {
				s.writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			*tc.dest = m
		}
		limit, err := s.policy.ResolveLimit(r.Context(), user)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		entry.LimitMinutes = limit
		top, err := s.agg.TopGames(r.Context(), user, stats.WindowMonth, 5)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		entry.TopGames = top
		if game, ok := active[user]; ok {
			entry.CurrentlyActive = true
			entry.ActiveGame = game
		}
		out = append(out, entry)
	}
	s.writeJSON(w, http.StatusOK, out)
}
