package broadcast

import (
	"context"
	"fmt"
	"time"

	"IMProject/global"
	"IMProject/logger"
	"IMProject/module/chat/model"
	"IMProject/module/push"
	"IMProject/tools/errs"

	"github.com/pkg/errors"
)

// JobStore is the slice of persistence the dispatcher needs.
type JobStore interface {
	ClaimBroadcast(ctx context.Context, broadcastID string) (*model.Broadcast, error)
	AddBroadcastProgress(ctx context.Context, broadcastID string, success, failure int64) error
	FinishBroadcast(ctx context.Context, broadcastID, status string, total int64, at time.Time) error
	ClearTokens(ctx context.Context, tokens []string) error
}

// Streamer produces the lazy device audience and the per-batch ban join.
type Streamer interface {
	Stream(ctx context.Context, segment, platform string) (DeviceIter, error)
	BannedSet(ctx context.Context, userIDs []string) (map[string]bool, error)
}

type WorkerConf struct {
	Store    JobStore
	Audience Streamer
	Android  push.Provider
	IOS      push.Provider
	BatchCap int           // defaults to global.PushBatchCap
	Yield    time.Duration // pause after each dispatched batch
	Clock    func() time.Time
}

// Worker drives one broadcast job from queued to sent or failed: streams
// the audience, batches tokens per provider, dispatches, and persists
// running totals so a crash is observable from the job record.
type Worker struct {
	store    JobStore
	audience Streamer
	android  push.Provider
	ios      push.Provider
	batchCap int
	yield    time.Duration
	clock    func() time.Time
}

func NewWorker(c WorkerConf) *Worker {
	if c.BatchCap <= 0 {
		c.BatchCap = global.PushBatchCap
	}
	if c.Yield < 0 {
		c.Yield = 0
	} else if c.Yield == 0 {
		c.Yield = global.BatchYield
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return &Worker{
		store:    c.Store,
		audience: c.Audience,
		android:  c.Android,
		ios:      c.IOS,
		batchCap: c.BatchCap,
		yield:    c.Yield,
		clock:    c.Clock,
	}
}

// ProcessJob handles one queue record. Jobs not in queued state are
// skipped silently, which makes redelivery of the same id harmless.
// Any dispatch error transitions the job to failed and is returned so
// queue-side alerting can see it.
func (w *Worker) ProcessJob(ctx context.Context, broadcastID string) error {
	job, err := w.store.ClaimBroadcast(ctx, broadcastID)
	if errs.Code(err) == errs.Code(errs.ErrNotFound) {
		logger.Infof("broadcast %s not claimable, skipping", broadcastID)
		return nil
	}
	if err != nil {
		return err
	}

	total, err := w.dispatch(ctx, job)
	if err != nil {
		if ferr := w.store.FinishBroadcast(ctx, job.ID, model.BroadcastFailed, total, w.clock()); ferr != nil {
			logger.Errorf("broadcast %s: persist failed state: %v", job.ID, ferr)
		}
		return errors.Wrapf(err, "broadcast %s", job.ID)
	}
	return w.store.FinishBroadcast(ctx, job.ID, model.BroadcastSent, total, w.clock())
}

type jobRun struct {
	success int64
	failure int64
	invalid []string
}

func (w *Worker) dispatch(ctx context.Context, job *model.Broadcast) (int64, error) {
	it, err := w.audience.Stream(ctx, job.Segment, job.Platform)
	if err != nil {
		return 0, err
	}
	defer it.Close(ctx)

	run := &jobRun{}
	android := make([]model.Device, 0, w.batchCap)
	ios := make([]model.Device, 0, w.batchCap)

	for it.Next(ctx) {
		dev := *it.Device()
		switch dev.Platform {
		case PlatformIOS:
			ios = append(ios, dev)
			if len(ios) >= w.batchCap {
				if err := w.flush(ctx, job, run, w.ios, ios); err != nil {
					return run.success + run.failure, err
				}
				ios = ios[:0]
			}
		default:
			android = append(android, dev)
			if len(android) >= w.batchCap {
				if err := w.flush(ctx, job, run, w.android, android); err != nil {
					return run.success + run.failure, err
				}
				android = android[:0]
			}
		}
	}
	if err := it.Err(); err != nil {
		return run.success + run.failure, err
	}
	if err := w.flush(ctx, job, run, w.android, android); err != nil {
		return run.success + run.failure, err
	}
	if err := w.flush(ctx, job, run, w.ios, ios); err != nil {
		return run.success + run.failure, err
	}

	if len(run.invalid) > 0 {
		if err := w.store.ClearTokens(ctx, run.invalid); err != nil {
			logger.Warnf("broadcast %s: clear %d invalid tokens: %v", job.ID, len(run.invalid), err)
		}
	}
	return run.success + run.failure, nil
}

// flush joins the batch against user ban status, dispatches it to the
// provider, folds the result into the running totals and yields.
func (w *Worker) flush(ctx context.Context, job *model.Broadcast, run *jobRun, prov push.Provider, batch []model.Device) error {
	if len(batch) == 0 {
		return nil
	}
	tokens, err := w.joinSegment(ctx, job.Segment, batch)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		return nil
	}
	if prov == nil {
		logger.Warnf("broadcast %s: no provider for batch of %d", job.ID, len(tokens))
		run.failure += int64(len(tokens))
		return w.store.AddBroadcastProgress(ctx, job.ID, 0, int64(len(tokens)))
	}

	res, err := prov.SendBatch(ctx, tokens, job.Title, job.Message, map[string]string{
		"type": "broadcast",
		"link": job.Link,
	})
	var dSuccess, dFailure int64
	if err != nil {
		// Whole-batch transport failure: every token counts as failed.
		logger.Warnf("broadcast %s: batch of %d failed: %v", job.ID, len(tokens), err)
		dFailure = int64(len(tokens))
	} else {
		dSuccess = int64(res.Success)
		dFailure = int64(res.Failure)
		run.invalid = append(run.invalid, res.InvalidTokens...)
	}
	run.success += dSuccess
	run.failure += dFailure
	if err := w.store.AddBroadcastProgress(ctx, job.ID, dSuccess, dFailure); err != nil {
		logger.Warnf("broadcast %s: persist progress: %v", job.ID, err)
	}
	if w.yield > 0 {
		select {
		case <-time.After(w.yield):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// joinSegment drops devices whose owner's ban status does not match the
// segment. The join runs per batch so it stays memory-bounded.
func (w *Worker) joinSegment(ctx context.Context, segment string, batch []model.Device) ([]string, error) {
	ids := make([]string, 0, len(batch))
	for i := range batch {
		ids = append(ids, batch[i].UserID)
	}
	banned, err := w.audience.BannedSet(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("segment join: %w", err)
	}
	tokens := make([]string, 0, len(batch))
	for i := range batch {
		isBanned := banned[batch[i].UserID]
		if (segment == SegBanned) != isBanned {
			continue
		}
		tokens = append(tokens, batch[i].PushToken)
	}
	return tokens, nil
}
