package lexgo

import (
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/casedata-io/lexgo/codec"
	"github.com/casedata-io/lexgo/internal/engine"
	"github.com/casedata-io/lexgo/internal/fs"
)

// MergePolicy selects which segments the background merger combines. See
// NewTieredMergePolicy for the default.
type MergePolicy = engine.MergePolicy

// SegmentStats is the per-segment metadata a MergePolicy decides on.
type SegmentStats = engine.SegmentStats

// TieredMergePolicy is the default MergePolicy: segments are grouped into
// size tiers and a tier merges once it holds too many members.
type TieredMergePolicy = engine.TieredMergePolicy

// NewTieredMergePolicy returns the default merge policy.
func NewTieredMergePolicy() *TieredMergePolicy { return engine.NewTieredMergePolicy() }

// NoMergePolicy disables automatic merging; only explicit Merge calls run.
type NoMergePolicy = engine.NoMergePolicy

type options struct {
	codec               codec.Codec
	logger              *Logger
	metricsCollector    MetricsCollector
	mergePolicy         MergePolicy
	writeBufferLimit    int64
	strictFields        bool
	mergeRateLimit      *rate.Limiter
	maxConcurrentMerges int64
	fsys                fs.FileSystem
}

// Option configures index creation and opening.
type Option func(*options)

// WithCodec configures the codec used for stored documents, the manifest
// and the query DSL. All readers of an index must use a compatible codec.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
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

// WithMetricsCollector configures a metrics collector for monitoring.
// Pass nil to disable metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithMergePolicy configures when the background merger runs. The default
// is NewTieredMergePolicy; pass NoMergePolicy{} to merge only on demand.
func WithMergePolicy(p MergePolicy) Option {
	return func(o *options) {
		o.mergePolicy = p
	}
}

// WithWriteBufferLimit caps the estimated in-memory size of buffered
// documents. When the buffer exceeds the limit it is flushed to an on-disk
// segment that stays invisible until the next commit. Default 64 MiB.
func WithWriteBufferLimit(bytes int64) Option {
	return func(o *options) {
		o.writeBufferLimit = bytes
	}
}

// WithStrictFields rejects documents carrying fields the schema does not
// define. By default unknown fields are silently ignored.
func WithStrictFields() Option {
	return func(o *options) {
		o.strictFields = true
	}
}

// WithMergeRateLimit throttles the write bandwidth of background merges so
// they cannot starve foreground commits of disk I/O. The limiter counts
// bytes; its burst bounds individual writes.
//
// Example, 32 MiB/s with 1 MiB bursts:
//
//	lexgo.WithMergeRateLimit(rate.NewLimiter(32<<20, 1<<20))
func WithMergeRateLimit(limiter *rate.Limiter) Option {
	return func(o *options) {
		o.mergeRateLimit = limiter
	}
}

// WithMaxConcurrentMerges bounds how many merges run at once, counting both
// background and explicit ones. Default 1.
func WithMaxConcurrentMerges(n int64) Option {
	return func(o *options) {
		o.maxConcurrentMerges = n
	}
}

// withFileSystem swaps the file system implementation. Used by tests to
// inject faults.
func withFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.fsys = fsys
	}
}

func applyOptions(optFns []Option) options {
	o := options{
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

func (o options) engineOptions() engine.Options {
	return engine.Options{
		FS:                  o.fsys,
		Codec:               o.codec,
		Logger:              o.logger.Logger,
		Policy:              o.mergePolicy,
		WriteBufferLimit:    o.writeBufferLimit,
		StrictFields:        o.strictFields,
		MergeRateLimit:      o.mergeRateLimit,
		MaxConcurrentMerges: o.maxConcurrentMerges,
		OnFlush:             o.metricsCollector.RecordFlush,
	}
}
