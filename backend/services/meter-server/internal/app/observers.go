package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"meterpay/backend/services/meter-server/internal/metrics"
	redisstore "meterpay/backend/services/meter-server/internal/redis"
	"meterpay/backend/services/meter-server/internal/repository"
	"meterpay/backend/services/meter-server/internal/session"
)

const sideEffectTimeout = 5 * time.Second

// observers fans lifecycle hooks out to metrics, the redis mirror and the settlement ledger.
// mirror and ledger are optional.
type observers struct {
	metrics *metrics.Collector
	mirror  *redisstore.Store
	ledger  *repository.SettlementRepository
	logger  *zap.Logger
}

func (o *observers) hooks() session.Hooks {
	return session.Hooks{
		OnPaymentVerified: o.paymentVerified,
		OnSessionEnd:      o.sessionEnd,
		OnEvent:           o.event,
	}
}

func (o *observers) paymentVerified(snap session.Snapshot) {
	o.metrics.SessionStarted(snap)
	if o.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	if err := o.mirror.Save(ctx, snap); err != nil {
		o.logger.Warn("mirror active session", zap.String("session_id", snap.ID), zap.Error(err))
	}
}

func (o *observers) sessionEnd(st session.Settlement) {
	o.metrics.SessionEnded(st)

	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()

	if o.mirror != nil {
		if err := o.mirror.Delete(ctx, st.Session.ID); err != nil {
			o.logger.Warn("drop mirrored session", zap.String("session_id", st.Session.ID), zap.Error(err))
		}
	}
	if o.ledger != nil {
		record := repository.FromSettlement(st)
		if err := o.ledger.Record(ctx, record); err != nil {
			o.logger.Error("record settlement",
				zap.String("session_id", record.SessionID),
				zap.String("status", record.Status),
				zap.Int64("refund_amount", record.RefundAmount),
				zap.Error(err),
			)
		}
	}
}

func (o *observers) event(ev session.Event) {
	o.metrics.Observe(ev)
}
