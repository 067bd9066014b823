package filesync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/thongdx/aid/internal/store"
)

// fakeKnowledge issues sequential ids and records uploads and deletes.
type fakeKnowledge struct {
	mu       sync.Mutex
	next     int
	uploads  []string
	deletes  []string
	failures map[string]bool
}

func newFakeKnowledge() *fakeKnowledge {
	return &fakeKnowledge{failures: make(map[string]bool)}
}

func (f *fakeKnowledge) Upload(ctx context.Context, name string, content []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failures[name] {
		return "", fmt.Errorf("upload of %s rejected", name)
	}

	f.next++
	f.uploads = append(f.uploads, name)
	return fmt.Sprintf("file-%d", f.next), nil
}

func (f *fakeKnowledge) Delete(ctx context.Context, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deletes = append(f.deletes, externalID)
	return nil
}

func writeFile(t *testing.T, root, uri, content string) {
	t.Helper()

	path := filepath.Join(root, filepath.FromSlash(uri))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func ledgerURIs(t *testing.T, st store.Store, repoID string) []string {
	t.Helper()

	files, err := st.FilesOfRepo(context.Background(), repoID)
	if err != nil {
		t.Fatal(err)
	}

	uris := make([]string, 0, len(files))
	for _, f := range files {
		uris = append(uris, f.URI)
	}
	sort.Strings(uris)
	return uris
}

func TestSync_FreshTree(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main")
	writeFile(t, root, "internal/util.go", "package internal")
	writeFile(t, root, "README.md", "# hello")

	st := store.NewMemory()
	ks := newFakeKnowledge()
	syncer := NewSyncer(st, ks)

	files, err := syncer.Sync(context.Background(), root, "repo-1")
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if len(files) != 3 {
		t.Fatalf("Expected 3 ledger rows, got %d", len(files))
	}
	for _, f := range files {
		if f.SHA1 == "" || f.ExternalID == "" {
			t.Errorf("Row %s missing hash or external id: %+v", f.URI, f)
		}
	}

	want := []string{"README.md", "internal/util.go", "main.go"}
	if diff := cmp.Diff(want, ledgerURIs(t, st, "repo-1")); diff != "" {
		t.Errorf("Ledger mismatch (-want +got):\n%s", diff)
	}
}

func TestSync_UnchangedTreeIsIdempotent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main")

	st := store.NewMemory()
	ks := newFakeKnowledge()
	syncer := NewSyncer(st, ks)

	if _, err := syncer.Sync(context.Background(), root, "repo-1"); err != nil {
		t.Fatal(err)
	}

	uploadsBefore := len(ks.uploads)

	if _, err := syncer.Sync(context.Background(), root, "repo-1"); err != nil {
		t.Fatal(err)
	}

	if len(ks.uploads) != uploadsBefore {
		t.Errorf("Second sync uploaded %d extra files", len(ks.uploads)-uploadsBefore)
	}
	if len(ks.deletes) != 0 {
		t.Errorf("Second sync deleted %d files", len(ks.deletes))
	}
}

func TestSync_ContentChangeReplacesEntry(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main")

	st := store.NewMemory()
	ks := newFakeKnowledge()
	syncer := NewSyncer(st, ks)

	before, err := syncer.Sync(context.Background(), root, "repo-1")
	if err != nil {
		t.Fatal(err)
	}
	oldID := before[0].ExternalID

	writeFile(t, root, "main.go", "package main // v2")

	after, err := syncer.Sync(context.Background(), root, "repo-1")
	if err != nil {
		t.Fatal(err)
	}

	if len(after) != 1 {
		t.Fatalf("Expected 1 ledger row, got %d", len(after))
	}
	if after[0].ExternalID == oldID {
		t.Error("Expected a fresh external id after content change")
	}
	if len(ks.deletes) != 1 || ks.deletes[0] != oldID {
		t.Errorf("Expected stale id %s deleted, got %v", oldID, ks.deletes)
	}
}

func TestSync_RenameIsAddPlusRemove(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "old.go", "package main")

	st := store.NewMemory()
	ks := newFakeKnowledge()
	syncer := NewSyncer(st, ks)

	before, err := syncer.Sync(context.Background(), root, "repo-1")
	if err != nil {
		t.Fatal(err)
	}
	oldID := before[0].ExternalID

	if err := os.Rename(filepath.Join(root, "old.go"), filepath.Join(root, "new.go")); err != nil {
		t.Fatal(err)
	}

	after, err := syncer.Sync(context.Background(), root, "repo-1")
	if err != nil {
		t.Fatal(err)
	}

	if len(after) != 1 || after[0].URI != "new.go" {
		t.Fatalf("Expected single row for new.go, got %+v", after)
	}
	if len(ks.deletes) != 1 || ks.deletes[0] != oldID {
		t.Errorf("Expected old entry %s deleted, got %v", oldID, ks.deletes)
	}
}

func TestSync_SkipsVCSDirectories(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main")
	writeFile(t, root, ".git/config", "[core]")

	st := store.NewMemory()
	syncer := NewSyncer(st, newFakeKnowledge())

	files, err := syncer.Sync(context.Background(), root, "repo-1")
	if err != nil {
		t.Fatal(err)
	}

	if len(files) != 1 || files[0].URI != "main.go" {
		t.Errorf("Expected only main.go synced, got %+v", files)
	}
}

func TestSync_UploadFailureSkipsRowButKeepsBatch(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "good.go", "package main")
	writeFile(t, root, "bad.go", "package main // rejected")

	st := store.NewMemory()
	ks := newFakeKnowledge()
	ks.failures["bad.go"] = true
	syncer := NewSyncer(st, ks)

	files, err := syncer.Sync(context.Background(), root, "repo-1")
	if err == nil {
		t.Fatal("Expected an error for the failed upload")
	}

	if len(files) != 1 || files[0].URI != "good.go" {
		t.Errorf("Expected the successful file in the ledger, got %+v", files)
	}
}
