package vexfs

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/time/rate"

	"github.com/lspecian/vexfs/block"
	"github.com/lspecian/vexfs/config"
	"github.com/lspecian/vexfs/index/hnsw"
	"github.com/lspecian/vexfs/index/lsh"
	"github.com/lspecian/vexfs/model"
	"github.com/lspecian/vexfs/monitor"
	"github.com/lspecian/vexfs/snapshot"
)

// ConfigOptions translates a loaded configuration into Mount options.
// Zero-valued fields keep the engine defaults.
func ConfigOptions(cfg config.Config) ([]Option, error) {
	var opts []Option

	if g := cfg.Index.Graph; g != (config.Graph{}) {
		opts = append(opts, WithGraphOptions(func(o *hnsw.Options) {
			if g.M > 0 {
				o.M = g.M
			}
			if g.BeamWidth > 0 {
				o.BeamWidth = g.BeamWidth
			}
		}))
	}
	if h := cfg.Index.Hash; h != (config.Hash{}) {
		opts = append(opts, WithHashOptions(func(o *lsh.Options) {
			if h.Tables > 0 {
				o.Tables = h.Tables
			}
			if h.Hashes > 0 {
				o.Hashes = h.Hashes
			}
			if h.BucketWidth > 0 {
				o.BucketWidth = h.BucketWidth
			}
			if h.Seed != 0 {
				o.Seed = h.Seed
			}
		}))
	}
	if m := cfg.Monitor; m != (config.Monitor{}) {
		opts = append(opts, WithMonitorOptions(func(o *monitor.Options) {
			if m.MaxConcurrent > 0 {
				o.MaxConcurrent = m.MaxConcurrent
			}
			if m.RatePerSecond > 0 {
				o.RateLimit = rate.Limit(m.RatePerSecond)
			}
			if m.MemoryBudgetMiB > 0 {
				o.MemoryBudget = uint64(m.MemoryBudgetMiB) << 20
			}
		}))
	}

	codec, err := snapshot.ParseCodec(cfg.Snapshot.Codec)
	if err != nil {
		return nil, err
	}
	if cfg.Snapshot.Path != "" {
		opts = append(opts, WithSnapshotPath(cfg.Snapshot.Path, codec))
	}
	if b := cfg.Snapshot.Backup; b.Endpoint != "" {
		client, err := minio.New(b.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(b.AccessKey, b.SecretKey, ""),
			Secure: b.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("backup endpoint %s: %w", b.Endpoint, err)
		}
		opts = append(opts, WithBackup(snapshot.NewBackupStore(client, b.Bucket, b.Prefix, codec)))
	}
	return opts, nil
}

// ConfigModel builds the model binding the configuration pins, if any. A
// name matching a known model resolves to its type; anything else is a
// custom model with the configured dimension.
func ConfigModel(cfg config.Config) (model.Metadata, bool) {
	m := cfg.Model
	if m.Name == "" && m.Dimension == 0 {
		return model.Metadata{}, false
	}
	md := model.Metadata{Name: m.Name, Dimension: m.Dimension, MaxSeqLen: m.MaxSeqLen}
	switch m.Name {
	case model.TypeAllMiniLM.String():
		md.Type = model.TypeAllMiniLM
	case model.TypeBERTBase.String():
		md.Type = model.TypeBERTBase
	case model.TypeAda002.String():
		md.Type = model.TypeAda002
	default:
		md.Type = model.TypeCustom
	}
	return md, true
}

// CreateVolume creates and formats the configured backing file, mounts it,
// and binds the configured model. Close releases the file.
func CreateVolume(ctx context.Context, cfg config.Config, extra ...Option) (*Engine, error) {
	opts, err := ConfigOptions(cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts, extra...)

	bs := cfg.Volume.BlockSize
	if bs == 0 {
		bs = config.Default().Volume.BlockSize
	}
	count := cfg.Volume.BlockCount
	if count == 0 {
		count = config.Default().Volume.BlockCount
	}
	dev, err := block.CreateFile(cfg.Volume.Path, bs, uint32(count))
	if err != nil {
		return nil, err
	}
	if err := Format(ctx, dev); err != nil {
		dev.Close()
		return nil, err
	}
	eng, err := Mount(ctx, dev, opts...)
	if err != nil {
		dev.Close()
		return nil, err
	}
	if md, ok := ConfigModel(cfg); ok {
		if err := eng.SetModelMetadata(ctx, md); err != nil {
			eng.Close(ctx)
			return nil, err
		}
	}
	return eng, nil
}

// OpenVolume mounts the configured backing file.
func OpenVolume(ctx context.Context, cfg config.Config, extra ...Option) (*Engine, error) {
	opts, err := ConfigOptions(cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts, extra...)

	bs := cfg.Volume.BlockSize
	if bs == 0 {
		bs = config.Default().Volume.BlockSize
	}
	dev, err := block.OpenFile(cfg.Volume.Path, bs)
	if err != nil {
		return nil, err
	}
	eng, err := Mount(ctx, dev, opts...)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return eng, nil
}
