// Package metrics exports drawdown run outcomes to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/anthonyo1978/taketwo-ndis-sub000/billing"
)

const namespace = "drawdown"

// Observer implements billing.Observer on a set of collectors registered
// with one registry.
type Observer struct {
	Runs               *prometheus.CounterVec
	Transactions       *prometheus.CounterVec
	AmountBilled       prometheus.Counter
	RunDuration        prometheus.Histogram
	ContractsProcessed prometheus.Counter
	CatchupTxns        prometheus.Counter
	CatchupWarnings    prometheus.Counter
}

// NewObserver registers the collectors with reg. Passing nil uses the
// default registerer.
func NewObserver(reg prometheus.Registerer) *Observer {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Observer{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Drawdown generation runs by outcome.",
		}, []string{"status"}),
		Transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Contracts processed by outcome, and failures by error kind.",
		}, []string{"outcome"}),
		AmountBilled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "amount_billed_total",
			Help:      "Total amount drawn down by automated runs.",
		}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a generation run.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),
		ContractsProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contracts_processed_total",
			Help:      "Due contracts fetched by generation runs.",
		}),
		CatchupTxns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "catchup",
			Name:      "transactions_total",
			Help:      "Transactions created by catch-up.",
		}),
		CatchupWarnings: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "catchup",
			Name:      "warnings_total",
			Help:      "Warnings raised while validating or running catch-up.",
		}),
	}
}

func (o *Observer) RunFinished(_ billing.OrganizationID, res *billing.GenerationResult, elapsed time.Duration) {
	status := "success"
	if !res.Success {
		status = "failed"
	}
	o.Runs.WithLabelValues(status).Inc()
	o.RunDuration.Observe(elapsed.Seconds())
	o.ContractsProcessed.Add(float64(res.ProcessedContracts))
	o.Transactions.WithLabelValues("created").Add(float64(res.SuccessfulTransactions))
	o.Transactions.WithLabelValues("skipped").Add(float64(len(res.Skipped)))
	for _, e := range res.Errors {
		o.Transactions.WithLabelValues(string(e.Kind)).Inc()
	}
	amount, _ := res.Summary.TotalAmount.Value.Float64()
	o.AmountBilled.Add(amount)
}

func (o *Observer) CatchupFinished(_ billing.OrganizationID, res *billing.CatchupResult) {
	o.CatchupTxns.Add(float64(res.TransactionsCreated))
	o.CatchupWarnings.Add(float64(len(res.Warnings)))
}
