package subscription

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/tenant"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// signatureTolerance bounds how stale a signed timestamp may be before the
// delivery is treated as a replay.
const signatureTolerance = 5 * time.Minute

// WebhookService verifies and applies PSP subscription deliveries.
type WebhookService struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       Repository
	tenantRepo tenant.Repository
	secret     string
}

type WebhookParams struct {
	fx.In

	Config     config.Config
	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       Repository
	TenantRepo tenant.Repository
}

func NewWebhookService(p WebhookParams) *WebhookService {
	return &WebhookService{
		db:         p.DB,
		log:        p.Log.Named("subscription.webhook"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		tenantRepo: p.TenantRepo,
		secret:     p.Config.PSPWebhookSecret,
	}
}

// Verify checks the t=...,v1=... signature header over "{timestamp}.{body}".
func (s *WebhookService) Verify(payload []byte, sigHeader string) error {
	sigHeader = strings.TrimSpace(sigHeader)
	if s.secret == "" || sigHeader == "" {
		return ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return ErrInvalidSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	age := s.clock.Now().Sub(time.Unix(ts, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(s.secret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

type webhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		SubscriptionID string `json:"subscription_id"`
		OrgID          string `json:"org_id"`
		TenantID       string `json:"tenant_id"`
		Status         string `json:"status"`
		CanceledAt     *int64 `json:"canceled_at"`
	} `json:"data"`
}

// Handle applies one verified delivery. Unknown event types are ignored,
// not failed, so the provider does not retry them forever.
func (s *WebhookService) Handle(ctx context.Context, payload []byte) error {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.Data.SubscriptionID) == "" {
		return ErrInvalidPayload
	}

	switch strings.TrimSpace(event.Type) {
	case "subscription.created", "subscription.updated", "subscription.canceled":
	default:
		return ErrEventIgnored
	}

	status := Status(strings.ToUpper(strings.TrimSpace(event.Data.Status)))
	if !ValidStatus(status) {
		return ErrUnknownStatus
	}

	orgID, err := parseID(event.Data.OrgID)
	if err != nil {
		return ErrInvalidPayload
	}

	tenants, err := s.tenantRepo.FindByExternalIDs(ctx, s.db, orgID, []string{event.Data.TenantID})
	if err != nil {
		return err
	}
	if len(tenants) == 0 {
		return tenant.ErrNotFound
	}

	now := s.clock.Now()
	sub := &Subscription{
		ID:            s.genID.Generate(),
		OrgID:         orgID,
		TenantID:      tenants[0].ID,
		ProviderSubID: event.Data.SubscriptionID,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if event.Data.CanceledAt != nil {
		t := time.Unix(*event.Data.CanceledAt, 0).UTC()
		sub.CanceledAt = &t
	}

	if err := s.repo.Upsert(ctx, s.db, sub); err != nil {
		return err
	}
	s.log.Info("subscription updated from webhook",
		zap.String("event_id", event.ID),
		zap.String("provider_sub_id", sub.ProviderSubID),
		zap.String("status", string(status)))
	return nil
}

func parseSignatureHeader(header string) (string, []string, error) {
	var timestamp string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		key, value, found := strings.Cut(piece, "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, ErrInvalidSignature
	}
	return timestamp, signatures, nil
}

func parseID(s string) (snowflake.ID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return snowflake.ID(n), nil
}
