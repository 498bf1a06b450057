// Package vexfs is an embedded vector-indexed storage engine.
//
// A volume is a single block device (usually a file) formatted with a
// superblock, a block bitmap, an inode table, a metadata journal, and data
// blocks. Objects live in a flat root directory; an object may carry a
// vector record, in which case its inode number doubles as the vector id
// in the in-memory ANN indexes (a hash index and a graph index). Metadata
// mutations are journaled before home-location writes, so a crash at any
// point leaves the volume recoverable by replay at the next mount.
//
// # Quick start
//
//	dev, _ := block.CreateFile("data.vol", 4096, 4096)
//	_ = vexfs.Format(ctx, dev)
//
//	eng, _ := vexfs.Mount(ctx, dev)
//	defer eng.Close(ctx)
//
//	_ = eng.SetModelMetadata(ctx, model.Metadata{Type: model.TypeAllMiniLM})
//	id, _ := eng.Add(ctx, "doc-1", vector, metadata, content)
//	results, _ := eng.Query(ctx, query, 10)
//
// # Durability model
//
// Add, Delete, and SetModelMetadata are durable when they return: the
// metadata transaction's commit block has reached stable storage. Index
// state is volatile and rebuilt at mount, either from a snapshot or from
// the vector-bearing inodes themselves.
package vexfs
