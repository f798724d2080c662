package services

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ruralpay/echobank/internal/gateway"
	"github.com/ruralpay/echobank/internal/models"
)

const reaperBatchSize = 100

// StaleTransferSource lists and cancels transfers left pending
type StaleTransferSource interface {
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]models.Transfer, error)
	Cancel(ctx context.Context, id, reason string) (models.TransferStatus, error)
}

// TransferReaper cancels transfers whose session expired before a PIN was
// entered. Transfers stuck in pending_confirmation are only reported, since
// the bank may already have moved the money.
type TransferReaper struct {
	source   StaleTransferSource
	gateways gateway.Factory
	events   EventEmitter
	staleAge time.Duration
	schedule string
	cron     *cron.Cron
	now      func() time.Time
}

func NewTransferReaper(source StaleTransferSource, gateways gateway.Factory, emitter EventEmitter, schedule string, staleAge time.Duration) *TransferReaper {
	return &TransferReaper{
		source:   source,
		gateways: gateways,
		events:   emitter,
		staleAge: staleAge,
		schedule: schedule,
		cron:     cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(log.Default())))),
		now:      time.Now,
	}
}

func (r *TransferReaper) Start() error {
	_, err := r.cron.AddFunc(r.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := r.RunOnce(ctx); err != nil {
			log.Printf("[REAPER] Run failed: %v", err)
		}
	})
	if err != nil {
		return err
	}
	log.Printf("[REAPER] Scheduled stale transfer reaper (%s, older than %s)", r.schedule, r.staleAge)
	r.cron.Start()
	return nil
}

func (r *TransferReaper) Stop() context.Context {
	return r.cron.Stop()
}

// RunOnce processes one batch and returns how many transfers were cancelled
func (r *TransferReaper) RunOnce(ctx context.Context) (int, error) {
	stale, err := r.source.ListStalePending(ctx, r.now().Add(-r.staleAge), reaperBatchSize)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, t := range stale {
		if t.Status != models.TransferStatusPendingPin {
			log.Printf("[REAPER] Transfer %s stuck in %s since %s, needs reconciliation", t.ID, t.Status, t.CreatedAt.Format(time.RFC3339))
			continue
		}

		if gw, err := r.gateways.ForInstitution(ctx, t.InstitutionID); err != nil {
			log.Printf("[REAPER] No gateway for institution %s: %v", t.InstitutionID, err)
			continue
		} else if err := gw.CancelTransfer(ctx, t.GatewayTransferID, ""); err != nil {
			log.Printf("[REAPER] Gateway cancel failed for %s: %v", t.GatewayTransferID, err)
		}

		if _, err := r.source.Cancel(ctx, t.ID, "session expired"); err != nil {
			log.Printf("[REAPER] Failed to cancel transfer %s: %v", t.ID, err)
			continue
		}
		if r.events != nil {
			r.events.Emit(ctx, eventFor(t, models.TransferStatusCancelled, "session expired"))
		}
		cancelled++
	}

	if cancelled > 0 {
		log.Printf("[REAPER] Cancelled %d stale transfers", cancelled)
	}
	return cancelled, nil
}
