package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/meterline/meterline/internal/orgcontext"
	"github.com/meterline/meterline/internal/usage"
	"github.com/shopspring/decimal"
)

type eventPayload struct {
	EventType      string                 `json:"event_type"`
	TenantID       string                 `json:"tenant_id"`
	Quantity       *decimal.Decimal       `json:"quantity"`
	Metadata       map[string]interface{} `json:"metadata"`
	Timestamp      *time.Time             `json:"timestamp"`
	IdempotencyKey *string                `json:"idempotency_key"`
}

type batchPayload struct {
	Events []eventPayload `json:"events"`
}

type eventResult struct {
	ID             string  `json:"id"`
	TenantID       string  `json:"tenant_id"`
	EventType      string  `json:"event_type"`
	IdempotencyKey *string `json:"idempotency_key,omitempty"`
	Deduplicated   bool    `json:"deduplicated"`
}

// IngestEvents accepts a single event object or an {"events": [...]} batch
// on the same route. Outcomes come back in submission order.
func (s *Server) IngestEvents(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	payloads, single, err := decodeIngestBody(body)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	inputs := make([]usage.EventInput, len(payloads))
	for i, p := range payloads {
		quantity := decimal.NewFromInt(1)
		if p.Quantity != nil {
			quantity = *p.Quantity
		}
		inputs[i] = usage.EventInput{
			TenantExternalID: p.TenantID,
			EventType:        p.EventType,
			Quantity:         quantity,
			Metadata:         p.Metadata,
			Timestamp:        p.Timestamp,
			IdempotencyKey:   p.IdempotencyKey,
		}
	}

	orgID, _ := orgcontext.OrgIDFromContext(c.Request.Context())
	outcomes, err := s.usageSvc.Ingest(c.Request.Context(), orgID, inputs)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if single {
		c.JSON(http.StatusOK, gin.H{
			"success":      true,
			"event_id":     outcomes[0].EventID.String(),
			"deduplicated": outcomes[0].Deduplicated,
		})
		return
	}

	ids := make([]string, len(outcomes))
	results := make([]eventResult, len(outcomes))
	fresh := 0
	for i, out := range outcomes {
		ids[i] = out.EventID.String()
		if !out.Deduplicated {
			fresh++
		}
		results[i] = eventResult{
			ID:             out.EventID.String(),
			TenantID:       payloads[i].TenantID,
			EventType:      payloads[i].EventType,
			IdempotencyKey: payloads[i].IdempotencyKey,
			Deduplicated:   out.Deduplicated,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"count":        len(outcomes),
		"new_events":   fresh,
		"deduplicated": len(outcomes) - fresh,
		"event_ids":    ids,
		"events":       results,
	})
}

func decodeIngestBody(body []byte) ([]eventPayload, bool, error) {
	var batch batchPayload
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, false, ErrInvalidRequest
	}
	if batch.Events != nil {
		if len(batch.Events) == 0 {
			return nil, false, usage.ErrEmptyBatch
		}
		if len(batch.Events) > usage.MaxBatchSize {
			return nil, false, usage.ErrBatchTooLarge
		}
		return batch.Events, false, nil
	}

	var single eventPayload
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, false, ErrInvalidRequest
	}
	return []eventPayload{single}, true, nil
}

// ListEvents returns recorded events ordered newest first.
func (s *Server) ListEvents(c *gin.Context) {
	params := usage.ListParams{
		TenantExternalID: strings.TrimSpace(c.Query("tenant_id")),
		EventType:        strings.TrimSpace(c.Query("event_type")),
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		params.Limit = limit
	}

	var err error
	if params.StartDate, err = parseDateQuery(c.Query("start_date"), false); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if params.EndDate, err = parseDateQuery(c.Query("end_date"), true); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	orgID, _ := orgcontext.OrgIDFromContext(c.Request.Context())
	events, err := s.usageSvc.List(c.Request.Context(), orgID, params)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// GetUsage returns grouped aggregates; the date range defaults to the
// current calendar month.
func (s *Server) GetUsage(c *gin.Context) {
	groupBy := usage.GroupByEventType
	switch strings.TrimSpace(c.Query("group_by")) {
	case "", string(usage.GroupByEventType):
	case string(usage.GroupByTenant):
		groupBy = usage.GroupByTenant
	case string(usage.GroupByDay):
		groupBy = usage.GroupByDay
	default:
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	now := s.clock.Now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	if raw, err := parseDateQuery(c.Query("start_date"), false); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	} else if raw != nil {
		start = *raw
	}
	if raw, err := parseDateQuery(c.Query("end_date"), true); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	} else if raw != nil {
		end = *raw
	}

	orgID, _ := orgcontext.OrgIDFromContext(c.Request.Context())
	rows, err := s.usageSvc.Usage(c.Request.Context(), orgID, usage.UsageParams{
		TenantExternalID: strings.TrimSpace(c.Query("tenant_id")),
		GroupBy:          groupBy,
		StartDate:        start,
		EndDate:          end,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"group_by":   string(groupBy),
		"start_date": start.Format(time.RFC3339),
		"end_date":   end.Format(time.RFC3339),
		"usage":      rows,
	})
}

// parseDateQuery accepts RFC3339 or a bare date. Bare end dates are
// exclusive of the following midnight.
func parseDateQuery(raw string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		ts = ts.UTC()
		return &ts, nil
	}
	ts, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, err
	}
	ts = ts.UTC()
	if endOfDay {
		ts = ts.AddDate(0, 0, 1)
	}
	return &ts, nil
}
