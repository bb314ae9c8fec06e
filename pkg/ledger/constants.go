package ledger

import "time"

const (
	operationRecordWork    = "record_work"
	operationReverseEntry  = "reverse_entry"
	operationSettleTab     = "settle_tab"
	operationRememberPrice = "remember_price"
	operationRebuildTotals = "rebuild_totals"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	operationStore = "store"

	reversalDescriptionPrefix   = "Undo of "
	settlementDescriptionPrefix = "Payment via "

	metadataKeyReverses = "reverses"
	metadataKeyJobs     = "jobs"
	metadataKeyTime     = "time"

	secondsPerMinute = 60
	secondsPerHour   = 3600
	maxDurationParts = 3

	// DefaultRecentEntriesLimit matches how many rows the ledger view shows.
	DefaultRecentEntriesLimit = 100
	maxRecentEntriesLimit     = 1000

	// DefaultReplayQuietWindow is how long a replay waits for another entry
	// before treating the feed as exhausted.
	DefaultReplayQuietWindow = time.Second
)
