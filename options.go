package smallworld

import (
	"runtime"

	"golang.org/x/time/rate"

	"github.com/smallworld-db/smallworld/distance"
	"github.com/smallworld-db/smallworld/model"
	"github.com/smallworld-db/smallworld/persistence"
	"github.com/smallworld-db/smallworld/writelog"
)

// DuplicatePolicy decides what an insert does when the id is already live.
type DuplicatePolicy int

const (
	// DuplicateReject fails the insert with ErrDuplicate.
	DuplicateReject DuplicatePolicy = iota
	// DuplicateOverwrite replaces the stored vector.
	DuplicateOverwrite
)

type options struct {
	metric          distance.Metric
	params          model.HNSWParams
	onDuplicate     DuplicatePolicy
	queryWorkers    int
	logger          *Logger
	metrics         MetricsCollector
	maintenanceRate *rate.Limiter
	writeLogOptions []func(o *writelog.Options)
	saveOptions     []func(o *persistence.Options)
}

func defaultOptions() options {
	return options{
		metric:       distance.MetricL2,
		params:       model.DefaultHNSWParams(),
		onDuplicate:  DuplicateReject,
		queryWorkers: runtime.GOMAXPROCS(0),
		logger:       NoopLogger(),
		metrics:      NoopMetricsCollector{},
	}
}

// Option configures the database constructor.
type Option func(*options)

// WithMetric selects the distance metric. The default is Euclidean (L2).
func WithMetric(m distance.Metric) Option {
	return func(o *options) {
		o.metric = m
	}
}

// WithHNSWParams overrides the graph construction parameters.
func WithHNSWParams(params model.HNSWParams) Option {
	return func(o *options) {
		o.params = params
	}
}

// WithOnDuplicate selects the insert behavior for ids that are already
// live. The default is DuplicateReject.
func WithOnDuplicate(policy DuplicatePolicy) Option {
	return func(o *options) {
		o.onDuplicate = policy
	}
}

// WithQueryWorkers sets the number of concurrent query goroutines.
// Defaults to GOMAXPROCS.
func WithQueryWorkers(n int) Option {
	return func(o *options) {
		o.queryWorkers = n
	}
}

// WithLogger configures structured logging. Pass nil to disable.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithMetricsCollector configures a metrics collector. Pass nil to disable.
func WithMetricsCollector(collector MetricsCollector) Option {
	return func(o *options) {
		if collector == nil {
			collector = NoopMetricsCollector{}
		}
		o.metrics = collector
	}
}

// WithMaintenanceRateLimit throttles how often Optimize may start a cycle.
func WithMaintenanceRateLimit(limiter *rate.Limiter) Option {
	return func(o *options) {
		o.maintenanceRate = limiter
	}
}

// WithWriteLogOptions tunes the maintenance write log, for example its
// entry cap.
func WithWriteLogOptions(optFns ...func(o *writelog.Options)) Option {
	return func(o *options) {
		o.writeLogOptions = optFns
	}
}

// WithSnapshotOptions tunes snapshot writing, for example the compression
// codec used by Save and SaveFile.
func WithSnapshotOptions(optFns ...func(o *persistence.Options)) Option {
	return func(o *options) {
		o.saveOptions = optFns
	}
}

// SearchOption tunes a single query.
type SearchOption func(*model.SearchParams)

// WithEFSearch overrides the beam width for this query. Larger values
// trade latency for recall.
func WithEFSearch(ef int) SearchOption {
	return func(p *model.SearchParams) {
		p.EFSearch = ef
	}
}

// WithFilter restricts results to ids the predicate accepts. The graph is
// still traversed through non-matching nodes, so a sparse filter costs
// extra hops rather than missed results.
func WithFilter(filter func(id uint64) bool) SearchOption {
	return func(p *model.SearchParams) {
		p.Filter = filter
	}
}
