package vexfs

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lspecian/vexfs/coordinator"
	"github.com/lspecian/vexfs/index/hnsw"
	"github.com/lspecian/vexfs/index/lsh"
	"github.com/lspecian/vexfs/monitor"
	"github.com/lspecian/vexfs/snapshot"
)

type options struct {
	logger        *Logger
	graphOpts     []func(*hnsw.Options)
	hashOpts      []func(*lsh.Options)
	coordOpts     []func(*coordinator.Options)
	monitorOpts   []func(*monitor.Options)
	snapshotPath  string
	snapshotCodec snapshot.Codec
	backup        *snapshot.BackupStore
	registerer    prometheus.Registerer
}

// Option configures Mount behavior.
type Option func(*options)

// WithLogger sets the engine logger. Nil restores the default.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithGraphOptions tunes the graph index.
func WithGraphOptions(fns ...func(*hnsw.Options)) Option {
	return func(o *options) {
		o.graphOpts = append(o.graphOpts, fns...)
	}
}

// WithHashOptions tunes the hash index.
func WithHashOptions(fns ...func(*lsh.Options)) Option {
	return func(o *options) {
		o.hashOpts = append(o.hashOpts, fns...)
	}
}

// WithCoordinatorOptions tunes query routing.
func WithCoordinatorOptions(fns ...func(*coordinator.Options)) Option {
	return func(o *options) {
		o.coordOpts = append(o.coordOpts, fns...)
	}
}

// WithMonitorOptions tunes hang prevention and degradation.
func WithMonitorOptions(fns ...func(*monitor.Options)) Option {
	return func(o *options) {
		o.monitorOpts = append(o.monitorOpts, fns...)
	}
}

// WithSnapshotPath enables local index snapshots at path. Mount seeds the
// indexes from a matching snapshot instead of re-reading every object, and
// Close writes a fresh one.
func WithSnapshotPath(path string, codec snapshot.Codec) Option {
	return func(o *options) {
		o.snapshotPath = path
		o.snapshotCodec = codec
	}
}

// WithBackup replicates snapshots to an S3-compatible store on Checkpoint.
func WithBackup(store *snapshot.BackupStore) Option {
	return func(o *options) {
		o.backup = store
	}
}

// WithMetrics registers query metrics on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

func applyOptions(optFns []Option) options {
	opts := options{snapshotCodec: snapshot.CodecZstd}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.logger == nil {
		opts.logger = NewLogger(nil)
	}
	return opts
}
