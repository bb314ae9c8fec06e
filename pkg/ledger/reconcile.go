package ledger

import (
	"context"
	"time"
)

// RebuildTotals recomputes the totals by replaying the whole ledger and
// overwrites the stored totals with the result. The overwrite is unconditional
// and wins over increments that raced the replay.
func (service *Service) RebuildTotals(ctx context.Context, identity Identity) (Totals, error) {
	var totals Totals
	operationError := func() error {
		if !identity.IsAuthenticated() || !identity.IsAdmin {
			return ErrAdminRequired
		}
		if service.guard != nil {
			release, err := service.guard.Acquire(ctx)
			if err != nil {
				return err
			}
			defer release()
		}
		replayed, err := ReplayTotals(ctx, service.store, service.quietWindow)
		if err != nil {
			return err
		}
		if err := service.store.SetTotals(ctx, replayed); err != nil {
			return err
		}
		totals = replayed
		return nil
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationRebuildTotals,
		UserID:    identity.UserID,
		Actor:     identity.DisplayName,
		Amount:    totals.Paid,
		Duration:  totals.Time,
		Error:     operationError,
	})
	if operationError != nil {
		return Totals{}, operationError
	}
	if service.notifier != nil {
		service.notifier.TotalsChanged(ctx, totals)
	}
	return totals, nil
}

// ReplayTotals folds every entry delivered by feed into fresh totals. A
// BoundedFeed ends the replay only by returning. Any other feed is treated as
// live: the replay waits for its first entry, then ends once no entry has
// arrived for quietWindow.
func ReplayTotals(ctx context.Context, feed EntryFeed, quietWindow time.Duration) (Totals, error) {
	if quietWindow <= 0 {
		quietWindow = DefaultReplayQuietWindow
	}
	replayContext, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan Entry)
	feedDone := make(chan error, 1)
	go func() {
		feedDone <- feed.FeedEntries(replayContext, entries)
	}()

	live := !isBounded(feed)
	var quietTimer *time.Timer
	var quiet <-chan time.Time
	defer func() {
		if quietTimer != nil {
			quietTimer.Stop()
		}
	}()

	totals := Totals{}
	for {
		select {
		case entry := <-entries:
			totals = totals.Add(entry)
			if live {
				if quietTimer == nil {
					quietTimer = time.NewTimer(quietWindow)
					quiet = quietTimer.C
				} else {
					quietTimer.Reset(quietWindow)
				}
			}
		case err := <-feedDone:
			if err != nil {
				return Totals{}, err
			}
			return totals, nil
		case <-quiet:
			return totals, nil
		case <-ctx.Done():
			return Totals{}, ctx.Err()
		}
	}
}

func isBounded(feed EntryFeed) bool {
	bounded, ok := feed.(BoundedFeed)
	return ok && bounded.FeedBounded()
}
