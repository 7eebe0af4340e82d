package quiver

import (
	"log/slog"

	"github.com/quivertech/quiver/distance"
	"github.com/quivertech/quiver/index/hnsw"
	"github.com/quivertech/quiver/resource"
	"github.com/quivertech/quiver/vectorstore"
	"github.com/quivertech/quiver/wal"
)

type options struct {
	dimension        int
	metric           distance.Metric
	indexOptions     []func(*hnsw.Options)
	store            vectorstore.Store
	controller       *resource.Controller
	metricsCollector MetricsCollector
	logger           *Logger
	walEnabled       bool
	walPath          string
	walOptions       []func(*wal.Options)
	snapshotPath     string
}

// Option configures constructor and load behavior.
type Option func(*options)

// WithMetric sets the distance metric. Default is squared L2.
// Cosine normalizes vectors on insert and query.
func WithMetric(m distance.Metric) Option {
	return func(o *options) {
		o.metric = m
	}
}

// WithDimension sets the vector dimension for Open when no snapshot exists
// yet. New takes the dimension directly; Open of an existing snapshot reads
// it from the file.
func WithDimension(dim int) Option {
	return func(o *options) {
		o.dimension = dim
	}
}

// WithIndexOptions forwards options to the underlying graph index
// (M, efConstruction, default ef, heuristic selection, random seed).
//
// Example:
//
//	quiver.New(128, quiver.WithIndexOptions(func(o *hnsw.Options) {
//	    o.M = 32
//	    o.EFConstruction = 400
//	}))
func WithIndexOptions(optFns ...func(*hnsw.Options)) Option {
	return func(o *options) {
		o.indexOptions = append(o.indexOptions, optFns...)
	}
}

// WithStore sets the vector store backing the index. Defaults to the
// in-memory columnar store.
func WithStore(s vectorstore.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithResourceController attaches a resource controller. The default
// columnar store charges its arena growth against the controller's memory
// budget, and background jobs respect its worker slots.
func WithResourceController(c *resource.Controller) Option {
	return func(o *options) {
		o.controller = c
	}
}

// WithWAL enables write-ahead logging for durability.
//
// For Open, the log lives in the index directory and path may be empty.
// For New, path names the WAL directory and must be set.
//
// Example:
//
//	quiver.Open(ctx, dir,
//	    quiver.WithWAL("", func(o *wal.Options) {
//	        o.DurabilityMode = wal.DurabilitySync
//	    }))
func WithWAL(path string, optFns ...func(*wal.Options)) Option {
	return func(o *options) {
		o.walEnabled = true
		o.walPath = path
		o.walOptions = optFns
	}
}

// WithSnapshotPath overrides the snapshot file path. When set together with
// WAL auto-checkpoint thresholds, snapshots are saved automatically when the
// thresholds are exceeded.
func WithSnapshotPath(path string) Option {
	return func(o *options) {
		o.snapshotPath = path
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations.
//
// Example:
//
//	metrics := &quiver.BasicMetricsCollector{}
//	db, _ := quiver.New(128, quiver.WithMetricsCollector(metrics))
//	// ... use db ...
//	stats := metrics.GetStats()
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
//
// Example:
//
//	logger := quiver.NewJSONLogger(slog.LevelInfo)
//	db, _ := quiver.New(128, quiver.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metric:           distance.MetricSquaredL2,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
