// Package filesync reconciles a repository's working tree with the external
// knowledge store, tracking what was uploaded in a per-repo file ledger.
package filesync

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thongdx/aid/internal/knowledge"
	"github.com/thongdx/aid/internal/store"
)

// defaultIgnore names directories never considered part of the source tree.
var defaultIgnore = map[string]struct{}{
	".git": {},
	".hg":  {},
	".svn": {},
}

const uploadConcurrency = 8

// Syncer diffs a local file tree against the remembered ledger by content
// hash and applies the difference to the knowledge store.
type Syncer struct {
	store     store.Store
	knowledge knowledge.Store
	ignore    map[string]struct{}
}

// NewSyncer creates a syncer with the default ignore set.
func NewSyncer(st store.Store, ks knowledge.Store) *Syncer {
	return &Syncer{store: st, knowledge: ks, ignore: defaultIgnore}
}

// localFile is one file found under the repo root.
type localFile struct {
	uri  string
	path string
	sha1 string
}

// Sync reconciles the tree under root with the knowledge store and returns
// the refreshed ledger. A run with no local changes performs no store calls.
// Individual upload failures skip that file's ledger write but do not stop
// the rest of the batch; the collected errors are returned after the batch
// ledger write.
func (s *Syncer) Sync(ctx context.Context, root, repoID string) ([]store.RepoFile, error) {
	ledgerRows, err := s.store.FilesOfRepo(ctx, repoID)
	if err != nil {
		return nil, err
	}

	ledger := make(map[string]store.RepoFile, len(ledgerRows))
	for _, f := range ledgerRows {
		ledger[f.URI] = f
	}

	local, err := s.scan(root)
	if err != nil {
		return nil, err
	}

	adds, updates, removes := classify(local, ledger)

	log.Debug().Str("repo_id", repoID).
		Int("adds", len(adds)).Int("updates", len(updates)).Int("removes", len(removes)).
		Msg("Classified repository files")

	if len(adds) == 0 && len(updates) == 0 && len(removes) == 0 {
		return ledgerRows, nil
	}

	// Stale store entries go first: every updated or removed file that was
	// previously uploaded is deleted best-effort, in parallel.
	s.deleteStale(ctx, ledger, updates, removes)

	upserts, uploadErrs := s.upload(ctx, ledger, adds, updates)

	removedURIs := make([]string, 0, len(removes))
	for _, f := range removes {
		removedURIs = append(removedURIs, f.URI)
	}

	if len(upserts) > 0 || len(removedURIs) > 0 {
		if err := s.store.ReplaceFileLedger(ctx, repoID, upserts, removedURIs); err != nil {
			return nil, err
		}
	}

	refreshed, err := s.store.FilesOfRepo(ctx, repoID)
	if err != nil {
		return nil, err
	}

	return refreshed, errors.Join(uploadErrs...)
}

// scan walks the tree, hashing every file outside the ignore set.
func (s *Syncer) scan(root string) ([]localFile, error) {
	var files []localFile

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if _, skip := s.ignore[d.Name()]; skip && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		hash, err := hashFile(path)
		if err != nil {
			return err
		}

		files = append(files, localFile{uri: filepath.ToSlash(rel), path: path, sha1: hash})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}

	return files, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// classify splits the local files into adds and updates versus the ledger,
// and returns the ledger rows with no local counterpart as removes. There is
// no rename detection: a moved file is an add plus a remove.
func classify(local []localFile, ledger map[string]store.RepoFile) (adds, updates []localFile, removes []store.RepoFile) {
	seen := make(map[string]struct{}, len(local))

	for _, f := range local {
		seen[f.uri] = struct{}{}
		known, ok := ledger[f.uri]
		switch {
		case !ok:
			adds = append(adds, f)
		case known.SHA1 != f.sha1:
			updates = append(updates, f)
		}
	}

	for uri, row := range ledger {
		if _, ok := seen[uri]; !ok {
			removes = append(removes, row)
		}
	}

	return adds, updates, removes
}

// deleteStale removes superseded store entries. Failures are logged only;
// the upload pass re-issues ids regardless.
func (s *Syncer) deleteStale(ctx context.Context, ledger map[string]store.RepoFile, updates []localFile, removes []store.RepoFile) {
	var ids []string
	for _, f := range updates {
		if row, ok := ledger[f.uri]; ok && row.ExternalID != "" {
			ids = append(ids, row.ExternalID)
		}
	}
	for _, row := range removes {
		if row.ExternalID != "" {
			ids = append(ids, row.ExternalID)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := s.knowledge.Delete(ctx, id); err != nil {
				log.Warn().Err(err).Str("external_id", id).Msg("Failed to delete stale store entry")
			}
			return nil
		})
	}
	g.Wait()
}

// upload pushes added and updated files to the store and returns the ledger
// rows to persist. A failed upload contributes an error instead of a row.
func (s *Syncer) upload(ctx context.Context, ledger map[string]store.RepoFile, adds, updates []localFile) ([]store.RepoFile, []error) {
	batch := make([]localFile, 0, len(adds)+len(updates))
	batch = append(batch, adds...)
	batch = append(batch, updates...)

	var mu sync.Mutex
	var rows []store.RepoFile
	var errs []error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)

	for _, f := range batch {
		g.Go(func() error {
			content, err := os.ReadFile(f.path)
			if err == nil {
				var id string
				id, err = s.knowledge.Upload(gctx, filepath.Base(f.uri), content)
				if err == nil {
					row := store.RepoFile{URI: f.uri, SHA1: f.sha1, ExternalID: id}
					if known, ok := ledger[f.uri]; ok {
						row.ID = known.ID
					}
					mu.Lock()
					rows = append(rows, row)
					mu.Unlock()
					return nil
				}
			}

			mu.Lock()
			errs = append(errs, fmt.Errorf("sync of %s failed: %w", f.uri, err))
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	return rows, errs
}
