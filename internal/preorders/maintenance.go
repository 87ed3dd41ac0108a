package preorders

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/jogardn/donut-preorders/internal/backfill"
	"github.com/jogardn/donut-preorders/internal/reconcile"
	"github.com/jogardn/donut-preorders/internal/square"
	"github.com/sirupsen/logrus"
)

// AdminReconcile compares Square's paid units per day with the counter.
// It always reads Square fresh; a cached report could hide drift.
func (h *Handler) AdminReconcile(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		h.respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	from, to, err := h.reportWindow(r)
	if err != nil {
		h.respondWithFailure(w, err, nil, "reconcile")
		return
	}
	fields := logrus.Fields{"from": from, "to": to}

	report, err := h.BuildReport(r.Context(), from, to)
	if err != nil {
		h.respondWithAdminFailure(w, err, fields, "reconcile")
		return
	}

	result := reconcile.NewAnalyzer(h.logger).Compare(report.DaysSummary)
	h.respondWithJSON(w, http.StatusOK, result)
}

// AdminBackfill replays completed Square orders through ConfirmPayment.
// Payments the webhook already counted are reported, not applied again.
func (h *Handler) AdminBackfill(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		h.respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	from, to, err := h.reportWindow(r)
	if err != nil {
		h.respondWithFailure(w, err, nil, "backfill")
		return
	}
	dryRun := false
	if v := r.URL.Query().Get("dryRun"); v != "" {
		dryRun, err = strconv.ParseBool(v)
		if err != nil {
			h.respondWithError(w, http.StatusBadRequest, "dryRun must be true or false")
			return
		}
	}
	fields := logrus.Fields{"from": from, "to": to, "dry_run": dryRun}

	backfiller := backfill.New(h.provider, h.inventory, backfill.Config{
		LocationID:  h.config.LocationID,
		SaleDays:    h.config.SaleDays,
		Concurrency: h.config.BackfillConcurrency,
		DryRun:      dryRun,
	}, h.logger)

	result, err := backfiller.Run(r.Context(), from, to)
	if err != nil {
		h.respondWithAdminFailure(w, err, fields, "backfill")
		return
	}

	h.respondWithJSON(w, http.StatusOK, result)
}

// respondWithAdminFailure reports Square rejections as 502 since the admin
// caller cannot fix them.
func (h *Handler) respondWithAdminFailure(w http.ResponseWriter, err error, fields logrus.Fields, action string) {
	var providerErr *square.ProviderError
	if errors.As(err, &providerErr) && !square.IsTransient(err) {
		h.logger.WithError(err).WithFields(fields).Error(action + ": Square rejected order search")
		h.respondWithError(w, http.StatusBadGateway, "Failed to load orders from Square")
		return
	}
	h.respondWithFailure(w, err, fields, action)
}
