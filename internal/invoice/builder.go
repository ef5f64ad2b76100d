package invoice

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/metrics"
	orgdomain "github.com/meterline/meterline/internal/organization/domain"
	"github.com/meterline/meterline/internal/pricing"
	"github.com/meterline/meterline/internal/tenant"
	"github.com/meterline/meterline/internal/usage"
	pkgdb "github.com/meterline/meterline/pkg/db"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxNumberRetries = 8

// Builder assembles tiered invoices from usage. The backlink update in the
// commit filters on invoice_id IS NULL, so overlapping builds cannot bill
// the same event twice.
type Builder struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        Repository
	usageRepo   usage.Repository
	pricingRepo pricing.Repository
	tenantRepo  tenant.Repository
	orgRepo     orgdomain.Repository
	metrics     *metrics.Metrics
	taxRate     decimal.Decimal
	dueDays     int
	timeout     time.Duration
}

type BuilderParams struct {
	fx.In

	Config      config.Config
	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        Repository
	UsageRepo   usage.Repository
	PricingRepo pricing.Repository
	TenantRepo  tenant.Repository
	OrgRepo     orgdomain.Repository
	Metrics     *metrics.Metrics `optional:"true"`
}

func NewBuilder(p BuilderParams) *Builder {
	return &Builder{
		db:          p.DB,
		log:         p.Log.Named("invoice.builder"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		usageRepo:   p.UsageRepo,
		pricingRepo: p.PricingRepo,
		tenantRepo:  p.TenantRepo,
		orgRepo:     p.OrgRepo,
		metrics:     p.Metrics,
		taxRate:     decimal.NewFromFloat(p.Config.TaxRate),
		dueDays:     p.Config.InvoiceDueDays,
		timeout:     p.Config.InvoiceTimeout,
	}
}

// Build prices the tenant's usage for [periodStart, periodEnd] and commits
// the invoice, its line items, and the event backlinks in one transaction.
func (b *Builder) Build(ctx context.Context, tenantID snowflake.ID, periodStart, periodEnd time.Time) (*Invoice, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	tenants, err := b.tenantRepo.FindByIDs(ctx, b.db, []snowflake.ID{tenantID})
	if err != nil {
		return nil, err
	}
	if len(tenants) == 0 {
		return nil, tenant.ErrNotFound
	}
	orgID := tenants[0].OrgID

	org, err := b.orgRepo.FindByID(ctx, b.db, orgID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, orgdomain.ErrNotFound
	}

	quantities, err := b.quantities(ctx, tenantID, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}

	tiers, err := b.pricingRepo.FindEffective(ctx, b.db, orgID, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}
	tiersByType := make(map[string][]pricing.PricingTier)
	for _, tier := range tiers {
		tiersByType[tier.EventType] = append(tiersByType[tier.EventType], tier)
	}

	now := b.clock.Now()
	items, subtotal := b.priceLineItems(quantities, tiersByType, now)
	tax := subtotal.Mul(b.taxRate).Round(2)
	total := subtotal.Add(tax)

	inv := &Invoice{
		OrgID:       orgID,
		TenantID:    tenantID,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Status:      StatusDraft,
		Subtotal:    subtotal,
		Tax:         tax,
		Total:       total,
		DueDate:     periodEnd.AddDate(0, 0, b.dueDays),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := b.commit(ctx, inv, items, org.Slug, now); err != nil {
		return nil, err
	}
	if b.metrics != nil {
		b.metrics.InvoicesBuilt.Inc()
	}
	b.log.Info("invoice built",
		zap.String("invoice_number", inv.InvoiceNumber),
		zap.String("tenant_id", tenantID.String()),
		zap.String("total", inv.Total.String()))
	return inv, nil
}

// quantities gathers billable usage per event type. Snapshots serve the
// common case; days without snapshot coverage fall back to raw events. If
// any event in the period is already billed, snapshots no longer reflect
// what is claimable and the unbilled raw sum is authoritative.
func (b *Builder) quantities(ctx context.Context, tenantID snowflake.ID, periodStart, periodEnd time.Time) (map[string]decimal.Decimal, error) {
	billed, err := b.usageRepo.CountBilledBetween(ctx, b.db, tenantID, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}
	if billed > 0 {
		return b.usageRepo.SumByEventTypeUnbilled(ctx, b.db, tenantID, periodStart, periodEnd)
	}

	firstDay := day(periodStart)
	lastDay := day(periodEnd)
	snapshots, err := b.usageRepo.SnapshotsBetween(ctx, b.db, tenantID, firstDay, lastDay)
	if err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal)
	covered := make(map[time.Time]bool)
	for i := range snapshots {
		d := day(snapshots[i].Date)
		covered[d] = true
		out[snapshots[i].EventType] = out[snapshots[i].EventType].Add(snapshots[i].TotalQuantity)
	}

	for d := firstDay; !d.After(lastDay); d = d.Add(24 * time.Hour) {
		if covered[d] {
			continue
		}
		start, end := d, d.Add(24*time.Hour-time.Nanosecond)
		if start.Before(periodStart) {
			start = periodStart
		}
		if end.After(periodEnd) {
			end = periodEnd
		}
		sums, err := b.usageRepo.SumByEventType(ctx, b.db, tenantID, start, end)
		if err != nil {
			return nil, err
		}
		for eventType, qty := range sums {
			out[eventType] = out[eventType].Add(qty)
		}
	}
	return out, nil
}

// priceLineItems walks the ordered tiers for each event type with usage.
func (b *Builder) priceLineItems(quantities map[string]decimal.Decimal, tiersByType map[string][]pricing.PricingTier, now time.Time) ([]InvoiceLineItem, decimal.Decimal) {
	eventTypes := make([]string, 0, len(quantities))
	for eventType, q := range quantities {
		if q.Sign() > 0 {
			eventTypes = append(eventTypes, eventType)
		}
	}
	sort.Strings(eventTypes)

	subtotal := decimal.Zero
	items := make([]InvoiceLineItem, 0, len(eventTypes))
	for _, eventType := range eventTypes {
		q := quantities[eventType]
		total, breakdown := priceTiered(q, tiersByType[eventType])

		blob, err := json.Marshal(breakdown)
		if err != nil {
			blob = []byte("[]")
		}

		unitPrice := decimal.Zero
		if q.Sign() > 0 {
			unitPrice = total.DivRound(q, 6)
		}
		items = append(items, InvoiceLineItem{
			ID:         b.genID.Generate(),
			EventType:  eventType,
			Quantity:   q,
			UnitPrice:  unitPrice,
			TotalPrice: total,
			Breakdown:  blob,
			CreatedAt:  now,
		})
		subtotal = subtotal.Add(total)
	}
	return items, subtotal
}

// priceTiered assigns quantity to tiers in tier-level order. When pricing
// is misconfigured so no tier covers the low end, the whole quantity bills
// at the first tier's price.
func priceTiered(q decimal.Decimal, tiers []pricing.PricingTier) (decimal.Decimal, []TierBreakdown) {
	if len(tiers) == 0 {
		return decimal.Zero, []TierBreakdown{}
	}

	total := decimal.Zero
	breakdown := make([]TierBreakdown, 0, len(tiers))
	processed := decimal.Zero

	for _, tier := range tiers {
		upper := q
		if tier.MaxQuantity != nil && tier.MaxQuantity.LessThan(upper) {
			upper = *tier.MaxQuantity
		}
		lower := processed
		if tier.MinQuantity.GreaterThan(lower) {
			lower = tier.MinQuantity
		}
		consumed := upper.Sub(lower)
		if consumed.Sign() <= 0 {
			continue
		}

		sub := consumed.Mul(tier.UnitPrice).Round(2)
		breakdown = append(breakdown, TierBreakdown{
			TierLevel: tier.TierLevel,
			Quantity:  consumed,
			UnitPrice: tier.UnitPrice,
			Subtotal:  sub,
		})
		total = total.Add(sub)
		processed = processed.Add(consumed)
		if processed.GreaterThanOrEqual(q) {
			break
		}
	}

	if len(breakdown) == 0 {
		sub := q.Mul(tiers[0].UnitPrice).Round(2)
		breakdown = append(breakdown, TierBreakdown{
			TierLevel: tiers[0].TierLevel,
			Quantity:  q,
			UnitPrice: tiers[0].UnitPrice,
			Subtotal:  sub,
		})
		total = sub
	}
	return total, breakdown
}

// commit inserts the invoice with a fresh number, retrying on number
// collisions, then backlinks the events inside the same transaction.
func (b *Builder) commit(ctx context.Context, inv *Invoice, items []InvoiceLineItem, slug string, now time.Time) error {
	for attempt := 0; attempt < maxNumberRetries; attempt++ {
		count, err := b.repo.CountByOrg(ctx, b.db, inv.OrgID)
		if err != nil {
			return err
		}

		inv.ID = b.genID.Generate()
		inv.InvoiceNumber = fmt.Sprintf("INV-%s-%06d", slug, count+1+int64(attempt))
		inv.LineItems = make([]InvoiceLineItem, len(items))
		for i := range items {
			items[i].InvoiceID = inv.ID
			inv.LineItems[i] = items[i]
		}

		err = b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := b.repo.Insert(ctx, tx, inv); err != nil {
				return err
			}
			_, err := b.usageRepo.ClaimForInvoice(ctx, tx, inv.TenantID, inv.PeriodStart, inv.PeriodEnd, inv.ID, now)
			return err
		})
		if err == nil {
			return nil
		}
		if !pkgdb.IsDuplicateKeyErr(err) {
			return err
		}
		b.log.Warn("invoice number collision, retrying",
			zap.String("invoice_number", inv.InvoiceNumber))
	}
	return fmt.Errorf("invoice number collision persisted after %d attempts", maxNumberRetries)
}

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
