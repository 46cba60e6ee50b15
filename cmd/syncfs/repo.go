package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/syncfs/syncfs/internal/blockstore"
	"github.com/syncfs/syncfs/internal/catalog"
	"github.com/syncfs/syncfs/internal/config"
	"github.com/syncfs/syncfs/internal/inode"
)

// On-disk layout, relative to a repository's local directory:
//
//	config                    (TOML, written by init/clone)
//	data/blobs/<hex-digest>   (flat, content-addressed)
//	data/nodes/<peerid>       (this peer's append-only inode log)
//	data/metadata.sqlite3     (catalog)
//
// The remote mirrors only the data/ subtree: <server>/data/blobs and
// <server>/data/nodes.
func configPath(local string) string    { return filepath.Join(local, "config") }
func dataDir(local string) string       { return filepath.Join(local, "data") }
func nodesDir(local string) string      { return filepath.Join(dataDir(local), "nodes") }
func catalogPath(local string) string   { return filepath.Join(dataDir(local), "metadata.sqlite3") }
func remoteBlobs(server string) string  { return server + "/data/blobs" }
func remoteNodes(server string) string  { return server + "/data/nodes" }

// repo bundles the open handles a mounted or inspected repository needs.
type repo struct {
	cfg   *config.Repository
	cat   *catalog.Catalog
	store *blockstore.Store
	layer *inode.Layer
}

// openRepo loads local's config and opens its catalog and block store. It
// does not start the scheduler.
func openRepo(local string) (*repo, error) {
	cfg, err := config.Load(configPath(local))
	if err != nil {
		return nil, fmt.Errorf("loading repository config: %w", err)
	}

	cat, err := catalog.Open(catalogPath(local))
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}

	store, err := blockstore.Open(dataDir(local), remoteBlobs(cfg.Server), cfg.MaxBytes, cat)
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("opening block store: %w", err)
	}

	layer := inode.NewLayer(cat, store, cfg.PeerNum())
	return &repo{cfg: cfg, cat: cat, store: store, layer: layer}, nil
}

func (r *repo) Close() error {
	r.store.Close()
	return r.cat.Close()
}

// newConfig builds a fresh repository config with maxMB converted to the
// byte quota config.Repository stores.
func newConfig(server string, maxMB uint64) (*config.Repository, error) {
	return config.New(server, maxMB*1_000_000)
}

func ensureRootNode(ctx context.Context, layer *inode.Layer) error {
	uid, gid := processOwner()
	return layer.EnsureRoot(ctx, uid, gid, nowFunc())
}
