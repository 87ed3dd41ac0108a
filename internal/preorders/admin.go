package preorders

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/jogardn/donut-preorders/internal/square"
	"github.com/jogardn/donut-preorders/pkg/models"
	"github.com/sirupsen/logrus"
)

const reportCachePrefix = "preorders:admin:orders:"

func (h *Handler) AdminOrders(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		h.respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	from, to, err := h.reportWindow(r)
	if err != nil {
		h.respondWithFailure(w, err, nil, "admin orders")
		return
	}
	ctx := r.Context()
	fields := logrus.Fields{"from": from, "to": to}
	cacheKey := reportCachePrefix + from + "|" + to

	if h.cache != nil {
		report, ok, err := h.cache.Get(ctx, cacheKey)
		if err != nil {
			h.logger.WithError(err).Warn("Admin report cache read failed")
		} else if ok {
			h.logger.WithFields(fields).Debug("Serving admin report from cache")
			h.respondWithJSON(w, http.StatusOK, report)
			return
		}
	}

	report, err := h.BuildReport(ctx, from, to)
	if err != nil {
		h.respondWithAdminFailure(w, err, fields, "build admin report")
		return
	}

	if h.cache != nil {
		if err := h.cache.Set(ctx, cacheKey, report, h.config.AdminCacheTTL); err != nil {
			h.logger.WithError(err).Warn("Admin report cache write failed")
		}
	}

	h.logger.WithFields(fields).WithFields(logrus.Fields{
		"orders": len(report.Orders),
		"days":   len(report.DaysSummary),
	}).Info("Admin report generated")

	h.respondWithJSON(w, http.StatusOK, report)
}

// BuildReport aggregates completed Square orders created in [from, to] into
// per-day totals and a flat order list, newest first.
func (h *Handler) BuildReport(ctx context.Context, from, to string) (*models.AdminReport, error) {
	orders, err := h.provider.SearchOrders(ctx, square.SearchOrdersQuery{
		LocationIDs: []string{h.config.LocationID},
		States:      []string{"COMPLETED"},
		CreatedAt:   &square.TimeRange{StartAt: from, EndAt: to},
	})
	if err != nil {
		return nil, err
	}

	perDay := make(map[string]int)
	rows := make([]models.AdminOrder, 0, len(orders))
	for i := range orders {
		order := &orders[i]

		date := order.PickupDate()
		if date == "" {
			continue
		}
		if len(h.config.SaleDays) > 0 && !contains(h.config.SaleDays, date) {
			continue
		}
		total := order.NetTotalCents()
		if total <= 0 || order.AllFulfillmentsCanceled() {
			continue
		}

		units := order.NetUnits()
		perDay[date] += units

		recipient := order.Recipient()
		rows = append(rows, models.AdminOrder{
			ID:            order.ID,
			PickupDate:    date,
			PickupTime:    order.PickupTime(),
			Donuts:        units,
			TotalCents:    total,
			Total:         FormatCents(total),
			CustomerName:  recipient.DisplayName,
			CustomerPhone: recipient.PhoneNumber,
			CustomerEmail: recipient.EmailAddress,
			CreatedAt:     order.CreatedAt,
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return createdAfter(rows[i].CreatedAt, rows[j].CreatedAt)
	})

	days := h.config.SaleDays
	if len(days) == 0 {
		days = make([]string, 0, len(perDay))
		for date := range perDay {
			days = append(days, date)
		}
		sort.Strings(days)
	}

	committed, err := h.inventory.Usage(ctx, days)
	if err != nil {
		return nil, err
	}

	summary := make([]models.DaySummary, 0, len(days))
	for _, date := range days {
		used := perDay[date]
		summary = append(summary, models.DaySummary{
			Date:      date,
			Used:      used,
			Remaining: h.inventory.Remaining(used),
			Limit:     h.inventory.Limit(),
			Committed: committed[date],
		})
	}

	return &models.AdminReport{
		DaysSummary: summary,
		Orders:      rows,
		GeneratedAt: h.now().UTC(),
	}, nil
}

func (h *Handler) AdminLocations(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		h.respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	locations, err := h.provider.ListLocations(r.Context())
	if err != nil {
		var providerErr *square.ProviderError
		if errors.As(err, &providerErr) && !square.IsTransient(err) {
			h.logger.WithError(err).Error("Square rejected location list")
			h.respondWithError(w, http.StatusBadGateway, "Failed to load locations from Square")
			return
		}
		h.respondWithFailure(w, err, nil, "list locations")
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"locations":          locations,
		"count":              len(locations),
		"configuredLocation": h.config.LocationID,
	})
}

func (h *Handler) AdminInventory(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		h.respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	date := strings.TrimSpace(r.URL.Query().Get("date"))
	if _, err := time.Parse(dateLayout, date); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	used, err := h.inventory.GetUsed(r.Context(), date)
	if err != nil {
		h.respondWithFailure(w, err, logrus.Fields{"pickup_date": date}, "read inventory")
		return
	}

	h.respondWithJSON(w, http.StatusOK, models.DaySummary{
		Date:      date,
		Used:      used,
		Remaining: h.inventory.Remaining(used),
		Limit:     h.inventory.Limit(),
		Committed: used,
	})
}

// reportWindow resolves the creation window, letting from/to query values
// override the configured one. Bare dates cover the whole day in the shop's
// offset.
func (h *Handler) reportWindow(r *http.Request) (string, string, error) {
	from, to := h.config.AdminWindowStart, h.config.AdminWindowEnd

	if v := strings.TrimSpace(r.URL.Query().Get("from")); v != "" {
		ts, err := h.windowBound(v, "T00:00:00")
		if err != nil {
			return "", "", invalid("from must be YYYY-MM-DD or RFC3339")
		}
		from = ts
	}
	if v := strings.TrimSpace(r.URL.Query().Get("to")); v != "" {
		ts, err := h.windowBound(v, "T23:59:59")
		if err != nil {
			return "", "", invalid("to must be YYYY-MM-DD or RFC3339")
		}
		to = ts
	}
	return from, to, nil
}

func (h *Handler) windowBound(value, clock string) (string, error) {
	if _, err := time.Parse(dateLayout, value); err == nil {
		return value + clock + h.config.PickupUTCOffset, nil
	}
	if _, err := time.Parse(time.RFC3339, value); err != nil {
		return "", err
	}
	return value, nil
}

// RequireAdmin guards handlers mounted outside RegisterRoutes, such as the
// live feed.
func (h *Handler) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.authorized(r) {
			h.respondWithError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

// authorized accepts every request when no admin token is configured.
// Browsers cannot set headers on websocket upgrades, so a token query value
// is accepted too.
func (h *Handler) authorized(r *http.Request) bool {
	if h.config.AdminToken == "" {
		return true
	}

	token := r.Header.Get("X-Admin-Token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.config.AdminToken)) == 1
}

func createdAfter(a, b string) bool {
	ta, errA := time.Parse(time.RFC3339, a)
	tb, errB := time.Parse(time.RFC3339, b)
	if errA != nil || errB != nil {
		return a > b
	}
	return ta.After(tb)
}
