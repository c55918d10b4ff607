package handlers

import (
	"clai-chat/internal/auth"
	"clai-chat/internal/service/metrics"
	"net/http"
)

// window reads start_date, end_date and chatbot_id for the actor's organization
func (ch *ChatHandlers) window(w http.ResponseWriter, r *http.Request, actor auth.Actor) (metrics.Window, bool) {
	q := r.URL.Query()
	from, to, err := ch.validator.ParseDateRange(q.Get("start_date"), q.Get("end_date"), ch.now().In(ch.config.Metrics.Location()))
	if err != nil {
		ch.sendError(w, http.StatusBadRequest, "Invalid date range", err)
		return metrics.Window{}, false
	}
	return metrics.Window{
		OrganizationID: actor.OrganizationID,
		ChatbotID:      q.Get("chatbot_id"),
		From:           from,
		To:             to,
	}, true
}

// AnalyticsOverviewHandler returns engagement totals, breakdowns and the daily trend
func (ch *ChatHandlers) AnalyticsOverviewHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := ch.authorize(w, r, auth.ResourceAnalytics, auth.ActionRead)
	if !ok {
		return
	}

	window, ok := ch.window(w, r, actor)
	if !ok {
		return
	}

	overview, err := ch.config.Metrics.Overview(r.Context(), window)
	if err != nil {
		ch.sendServiceError(w, r, "Error loading analytics", err)
		return
	}

	ch.sendJSON(w, http.StatusOK, overview)
}

// AnalyticsLeadsHandler returns lead totals by source and day
func (ch *ChatHandlers) AnalyticsLeadsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := ch.authorize(w, r, auth.ResourceAnalytics, auth.ActionRead)
	if !ok {
		return
	}

	window, ok := ch.window(w, r, actor)
	if !ok {
		return
	}

	report, err := ch.config.Metrics.Leads(r.Context(), window)
	if err != nil {
		ch.sendServiceError(w, r, "Error loading lead analytics", err)
		return
	}

	ch.sendJSON(w, http.StatusOK, report)
}

// AnalyticsEfficiencyHandler estimates staff time and cost saved; hourly_rate
// defaults to metrics.DefaultHourlyRate
func (ch *ChatHandlers) AnalyticsEfficiencyHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := ch.authorize(w, r, auth.ResourceAnalytics, auth.ActionRead)
	if !ok {
		return
	}

	rate, err := ch.validator.ParseHourlyRate(r.URL.Query().Get("hourly_rate"), metrics.DefaultHourlyRate)
	if err != nil {
		ch.sendError(w, http.StatusBadRequest, "Invalid hourly rate", err)
		return
	}

	window, ok := ch.window(w, r, actor)
	if !ok {
		return
	}

	report, err := ch.config.Metrics.Efficiency(r.Context(), window, rate)
	if err != nil {
		ch.sendServiceError(w, r, "Error loading efficiency analytics", err)
		return
	}

	ch.sendJSON(w, http.StatusOK, report)
}
