package automation

import (
	"context"

	"go.uber.org/zap"

	"github.com/anthonyo1978/taketwo-ndis-sub000/billing"
)

// LogNotifier reports completed runs to the log. It stands in for admin
// notification delivery, which lives outside this service.
type LogNotifier struct {
	Logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{Logger: logger.Named("notifier")}
}

func (n *LogNotifier) RunCompleted(_ context.Context, orgID billing.OrganizationID, res *billing.GenerationResult) error {
	fields := []zap.Field{
		zap.String("organization_id", string(orgID)),
		zap.String("run_id", string(res.RunID)),
		zap.Bool("success", res.Success),
		zap.Int("successful", res.SuccessfulTransactions),
		zap.Int("failed", res.FailedTransactions),
		zap.String("total_amount", res.Summary.TotalAmount.String()),
	}
	for _, e := range res.Errors {
		if e.Kind == billing.ErrorDuplicatePrevented {
			fields = append(fields, zap.String("attention", billing.ExplainError(e.Kind)))
			break
		}
	}
	n.Logger.Info("drawdown run completed", fields...)
	return nil
}
