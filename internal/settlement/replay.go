package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aman-zulfiqar/anchor-dex/internal/ledger"
	"github.com/aman-zulfiqar/anchor-dex/internal/models"
)

// ReplayOptions tune an operator replay.
type ReplayOptions struct {
	// WaiveMinimum pays out at current reserves even below the user's
	// minimum, once the user has agreed to it.
	WaiveMinimum bool
}

// Replay is the operator path out of LEG2_FAILED. When the failed attempt
// recorded a confirmed leg 2, or one of its signed leg 2 transactions is
// found confirmed on the ledger, only the bookkeeping is committed. While
// one of them is still pending Replay refuses. Otherwise leg 2 is planned
// again from current reserves and sent. On success the reconciliation is
// resolved.
func (c *Coordinator) Replay(ctx context.Context, txID string, opts ReplayOptions) (*Result, error) {
	st, err := c.GetSettlement(ctx, txID)
	if err != nil {
		return nil, err
	}
	switch st.State {
	case models.StateLeg2Complete:
		return resultOf(st), nil
	case models.StateLeg2Failed:
	default:
		return nil, fmt.Errorf("%w: settlement %s is %s, only failed settlements can be replayed",
			models.ErrInvalidInput, txID, st.State)
	}

	done, err := c.track()
	if err != nil {
		return nil, err
	}
	defer done()

	v, err, _ := c.flight.Do(txID, func() (interface{}, error) {
		return c.replay(context.WithoutCancel(ctx), txID, opts)
	})
	res, _ := v.(*Result)
	return res, err
}

func (c *Coordinator) replay(ctx context.Context, txID string, opts ReplayOptions) (*Result, error) {
	st, err := c.GetSettlement(ctx, txID)
	if err != nil {
		return nil, err
	}

	unlock, err := c.reg.LockPool(ctx, st.PoolAddress)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if st, err = c.GetSettlement(ctx, txID); err != nil {
		return nil, err
	}
	if st.State != models.StateLeg2Failed {
		return c.stored(st)
	}

	pool, err := c.reg.Reload(ctx, st.PoolAddress)
	if err != nil {
		return nil, err
	}

	log := c.logger.WithFields(logrus.Fields{
		"transaction_id": txID,
		"kind":           st.Kind,
		"pool":           st.PoolAddress,
		"waive_minimum":  opts.WaiveMinimum,
	})

	landed, err := c.landedLeg2(ctx, st)
	if err != nil {
		return nil, err
	}
	if landed != "" && st.Result != nil && st.Result.BlockHash == "" {
		log.WithField("signature", landed).Info("earlier leg 2 found on ledger")
		st.Result.Signature = landed
	}

	var res *Result
	if st.Result != nil && (st.Result.BlockHash != "" || landed != "") {
		log.WithField("block_hash", st.Result.BlockHash).Info("leg 2 already on ledger, committing bookkeeping")
		commit, err := c.bookkeeping(ctx, st, pool, st.Result)
		if err != nil {
			return c.fail(ctx, st, fmt.Errorf("replay bookkeeping: %w", err))
		}
		if res, err = c.finish(ctx, st, commit); err != nil {
			return res, err
		}
	} else {
		log.Info("replaying leg 2")
		st.Result = nil
		if res, err = c.settle(ctx, st, pool, opts.WaiveMinimum); err != nil {
			return res, err
		}
	}

	if err := c.store.ResolveReconciliation(ctx, txID, time.Now().UTC()); err != nil {
		log.WithError(err).Error("settlement replayed but reconciliation not resolved")
	}
	log.Info("settlement replayed")
	return res, nil
}

// landedLeg2 returns the first stored leg 2 signature the ledger reports
// confirmed, or "" when none landed. A pending one is a transient error:
// resending now could pay out twice.
func (c *Coordinator) landedLeg2(ctx context.Context, st *models.Settlement) (string, error) {
	if st.Result == nil || st.Result.BlockHash != "" {
		return "", nil
	}
	for _, sig := range st.Leg2Signatures {
		state, err := c.ledger.SignatureStatus(ctx, sig)
		if err != nil {
			return "", fmt.Errorf("leg 2 %s status: %w", sig, err)
		}
		switch state {
		case ledger.SignatureConfirmed:
			return sig, nil
		case ledger.SignaturePending:
			return "", fmt.Errorf("%w: leg 2 %s is still pending", models.ErrTransientLedger, sig)
		}
	}
	return "", nil
}
