// Package oplog writes ledger operation logs through zap.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/lasertracker/pkg/ledger"
	"go.uber.org/zap"
)

// Logger implements ledger.OperationLogger.
type Logger struct {
	logger *zap.Logger
}

// New returns a Logger writing to logger.
func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("ledger")}
}

// LogOperation logs successful operations at info and failed ones at warn.
func (operationLogger *Logger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.UserID.IsZero() {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if entry.Actor != "" {
		fields = append(fields, zap.String("actor", entry.Actor))
	}
	if entry.EntryID.String() != "" {
		fields = append(fields, zap.String("entry_id", entry.EntryID.String()))
	}
	if !entry.Amount.IsZero() {
		fields = append(fields, zap.String("amount", ledger.FormatCurrency(entry.Amount)))
	}
	if entry.Duration != 0 {
		fields = append(fields, zap.String("duration", ledger.FormatDuration(entry.Duration)))
	}
	if entry.Method != ledger.MethodNone {
		fields = append(fields, zap.String("method", entry.Method.String()))
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
