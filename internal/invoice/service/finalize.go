package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterly/internal/config"
	"github.com/smallbiznis/meterly/internal/invoice/domain"
	"github.com/smallbiznis/meterly/internal/lock"
	ratingdomain "github.com/smallbiznis/meterly/internal/rating/domain"
	subscriptiondomain "github.com/smallbiznis/meterly/internal/subscription/domain"
	pkgdb "github.com/smallbiznis/meterly/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// draft replaces the previous draft of the same customer and periods. No
// watermark moves.
func (s *Service) draft(ctx context.Context, g invoiceGroup, now time.Time, chargeNextPlan bool) (*domain.Invoice, error) {
	revs, adjustments, err := s.rate(ctx, g, now, chargeNextPlan)
	if err != nil {
		return nil, err
	}
	if len(revs) == 0 {
		return nil, nil
	}
	inv, _, err := s.assemble(ctx, g, revs, adjustments, now)
	if err != nil {
		return nil, err
	}
	key := draftKey(g, revs)
	inv.Status = domain.InvoiceStatusDraft
	inv.DraftKey = &key

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.repo.DeleteDrafts(ctx, tx, g.orgID, key); err != nil {
			return err
		}
		return s.repo.Insert(ctx, tx, inv)
	})
	if err != nil {
		return nil, err
	}
	s.obsMetrics.RecordInvoice(ctx, string(inv.Status), inv.Currency, inv.AmountDue.InexactFloat64())
	return inv, nil
}

// finalize writes the invoice and moves the watermarks of every billed
// record in one transaction. Lock contention and concurrent record updates
// are retried with a fresh rating.
func (s *Service) finalize(ctx context.Context, g invoiceGroup, now time.Time, chargeNextPlan bool) (*domain.Invoice, error) {
	cfg := s.billing.Get()
	policy := lock.RetryPolicy{
		MaxTries:        cfg.Lock.MaxRetries,
		InitialInterval: cfg.Lock.InitialInterval,
		MaxInterval:     cfg.Lock.MaxInterval,
	}
	return lock.Retry(ctx, policy, retryableFinalize, func() (*domain.Invoice, error) {
		return s.finalizeOnce(ctx, g, now, chargeNextPlan, cfg)
	})
}

func retryableFinalize(err error) bool {
	return lock.IsRetryable(err) ||
		errors.Is(err, subscriptiondomain.ErrConcurrentUpdate) ||
		pkgdb.IsDuplicateKeyErr(err)
}

func (s *Service) finalizeOnce(ctx context.Context, g invoiceGroup, now time.Time, chargeNextPlan bool, cfg config.BillingConfig) (*domain.Invoice, error) {
	revs, adjustments, err := s.rate(ctx, g, now, chargeNextPlan)
	if err != nil {
		return nil, err
	}
	if len(revs) == 0 {
		return nil, nil
	}

	leases, err := lock.AcquireAll(ctx, s.locker, lockKeys(revs), cfg.Lock.TTL)
	if err != nil {
		if errors.Is(err, lock.ErrLockHeld) {
			s.obsMetrics.RecordLockContention(ctx, "invoice_finalize")
		}
		return nil, err
	}
	defer func() {
		if err := lock.ReleaseAll(context.WithoutCancel(ctx), s.locker, leases); err != nil {
			s.log.Warn("release finalize locks", zap.Error(err))
		}
	}()

	inv, billed, err := s.assemble(ctx, g, revs, adjustments, now)
	if err != nil {
		return nil, err
	}
	key := finalizationKey(revs)

	var out *domain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindByFinalizationKey(ctx, tx, g.orgID, key)
		if err != nil {
			return err
		}
		if existing != nil {
			out = existing
			return s.withItems(ctx, tx, out)
		}

		if err := s.checkVersions(ctx, tx, g.orgID, revs); err != nil {
			return err
		}

		number, err := s.nextNumber(ctx, tx, g.orgID, cfg.Invoice.NumberPrefix, now)
		if err != nil {
			return err
		}
		inv.InvoiceNumber = &number
		inv.Status = domain.InvoiceStatusFinalized
		inv.FinalizationKey = &key
		inv.FinalizedAt = lo.ToPtr(now)
		if err := s.repo.Insert(ctx, tx, inv); err != nil {
			return err
		}

		for _, adv := range advances(revs, billed) {
			if err := s.records.AdvanceBilling(ctx, tx, g.orgID, adv); err != nil {
				return fmt.Errorf("advance record %s: %w", adv.RecordID, err)
			}
		}
		out = inv
		return nil
	})
	if err != nil {
		return nil, err
	}

	if out == inv {
		s.obsMetrics.RecordInvoice(ctx, string(inv.Status), inv.Currency, inv.AmountDue.InexactFloat64())
		s.log.Info("invoice finalized",
			zap.String("org_id", inv.OrgID.String()),
			zap.String("customer_id", inv.CustomerID.String()),
			zap.String("invoice_number", *inv.InvoiceNumber),
			zap.String("amount_due", inv.AmountDue.StringFixed(2)),
			zap.Int("lines", len(inv.Items)),
		)
	}
	return out, nil
}

// checkVersions locks every billed record and rejects the attempt when one
// changed since it was rated.
func (s *Service) checkVersions(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, revs []ratingdomain.SubscriptionRevenue) error {
	want := map[snowflake.ID]int{}
	for _, rev := range flatten(revs) {
		want[rev.RecordID] = rev.LockVersion
		if rev.Successor != nil {
			want[rev.Successor.RecordID] = rev.Successor.LockVersion
		}
	}
	locked, err := s.records.FindByIDsForUpdate(ctx, tx, orgID, lo.Keys(want))
	if err != nil {
		return err
	}
	if len(locked) != len(want) {
		return subscriptiondomain.ErrConcurrentUpdate
	}
	for _, rec := range locked {
		if rec.LockVersion != want[rec.ID] {
			return subscriptiondomain.ErrConcurrentUpdate
		}
	}
	return nil
}

// nextNumber returns <prefix>-<yyyymm>-<seq>, counting per org and month.
func (s *Service) nextNumber(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, prefix string, at time.Time) (string, error) {
	base := fmt.Sprintf("%s-%s-", strings.TrimSpace(prefix), at.UTC().Format("200601"))
	count, err := s.repo.CountNumbered(ctx, tx, orgID, base)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%04d", base, count+1), nil
}

func advances(revs []ratingdomain.SubscriptionRevenue, billed map[snowflake.ID]decimal.Decimal) []subscriptiondomain.BillingAdvance {
	var out []subscriptiondomain.BillingAdvance
	for _, rev := range flatten(revs) {
		out = append(out, subscriptiondomain.BillingAdvance{
			RecordID:             rev.RecordID,
			LockVersion:          rev.LockVersion,
			BilledThrough:        lo.ToPtr(rev.BilledThrough),
			AdvanceBilledThrough: rev.AdvanceBilledThrough,
			AmountDelta:          billed[rev.RecordID],
		})
		if succ := rev.Successor; succ != nil {
			out = append(out, subscriptiondomain.BillingAdvance{
				RecordID:             succ.RecordID,
				LockVersion:          succ.LockVersion,
				AdvanceBilledThrough: lo.ToPtr(succ.AdvanceBilledThrough),
				AmountDelta:          billed[succ.RecordID],
			})
		}
	}
	return out
}

func lockKeys(revs []ratingdomain.SubscriptionRevenue) []string {
	var keys []string
	for _, rev := range flatten(revs) {
		keys = append(keys, fmt.Sprintf("meterly:invoice:%s:%d", rev.RecordID, rev.Period.Start.Unix()))
		if succ := rev.Successor; succ != nil {
			keys = append(keys, fmt.Sprintf("meterly:invoice:%s:%d", succ.RecordID, succ.AdvanceBilledThrough.Unix()))
		}
	}
	return keys
}

// finalizationKey identifies what an invoice billed: the records, their
// coverage and the advance horizon.
func finalizationKey(revs []ratingdomain.SubscriptionRevenue) string {
	var parts []string
	for _, rev := range flatten(revs) {
		horizon := int64(0)
		if rev.AdvanceBilledThrough != nil {
			horizon = rev.AdvanceBilledThrough.UnixNano()
		}
		parts = append(parts, fmt.Sprintf("%s|%d|%d|%d", rev.RecordID, rev.CoverageStart.UnixNano(), rev.CoverageEnd.UnixNano(), horizon))
		if succ := rev.Successor; succ != nil {
			parts = append(parts, fmt.Sprintf("%s|advance|%d", succ.RecordID, succ.AdvanceBilledThrough.UnixNano()))
		}
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

// draftKey is stable while the same periods are open for the customer.
func draftKey(g invoiceGroup, revs []ratingdomain.SubscriptionRevenue) string {
	var start, end time.Time
	for _, rev := range revs {
		if start.IsZero() || rev.Period.Start.Before(start) {
			start = rev.Period.Start
		}
		if rev.Period.End.After(end) {
			end = rev.Period.End
		}
	}
	raw := fmt.Sprintf("%s|%s|%s|%d|%d", g.orgID, g.customerID, g.currency, start.Unix(), end.Unix())
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
