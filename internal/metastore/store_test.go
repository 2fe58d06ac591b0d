package metastore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/kbase-ai/kbase-go/internal/kb"
)

// openTestStore opens an in-memory Store for use in tests.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// createTestKB persists a knowledge base with the given name and returns it.
func createTestKB(t *testing.T, s *Store, name string) *kb.KnowledgeBase {
	t.Helper()
	base, err := kb.NewKnowledgeBase(name, "test corpus", "nomic-embed-text", nil, nil)
	if err != nil {
		t.Fatalf("new kb: %v", err)
	}
	if err := s.CreateKB(context.Background(), base); err != nil {
		t.Fatalf("create kb: %v", err)
	}
	return base
}

// createTestFile persists a pending file record in the given knowledge base.
func createTestFile(t *testing.T, s *Store, kbID, name string) *kb.FileRecord {
	t.Helper()
	rec, err := kb.NewFileRecord(kbID, name, ".txt", 128, "d41d8cd98f00b204e9800998ecf8427e")
	if err != nil {
		t.Fatalf("new file record: %v", err)
	}
	rec.StoredPath = kbID + "/" + rec.ID + ".txt"
	if err := s.CreateFile(context.Background(), rec); err != nil {
		t.Fatalf("create file: %v", err)
	}
	return rec
}

func Test_Store_KBRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	base := createTestKB(t, s, "docs")

	got, err := s.GetKB(ctx, base.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "docs" || got.EmbeddingModel != "nomic-embed-text" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.ChunkConfig != base.ChunkConfig {
		t.Errorf("chunk config: want %+v, got %+v", base.ChunkConfig, got.ChunkConfig)
	}
	if got.RetrievalConfig != base.RetrievalConfig {
		t.Errorf("retrieval config: want %+v, got %+v", base.RetrievalConfig, got.RetrievalConfig)
	}

	byName, err := s.GetKBByName(ctx, "docs")
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if byName.ID != base.ID {
		t.Errorf("get by name: want id %s, got %s", base.ID, byName.ID)
	}
}

func Test_Store_KBDuplicateName(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	createTestKB(t, s, "dup")
	base, err := kb.NewKnowledgeBase("dup", "", "nomic-embed-text", nil, nil)
	if err != nil {
		t.Fatalf("new kb: %v", err)
	}
	if err := s.CreateKB(context.Background(), base); !errors.Is(err, kb.ErrAlreadyExists) {
		t.Fatalf("want ErrAlreadyExists, got %v", err)
	}
}

func Test_Store_KBNotFound(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetKB(ctx, "missing"); !errors.Is(err, kb.ErrNotFound) {
		t.Errorf("get: want ErrNotFound, got %v", err)
	}
	if err := s.DeleteKB(ctx, "missing"); !errors.Is(err, kb.ErrNotFound) {
		t.Errorf("delete: want ErrNotFound, got %v", err)
	}
}

func Test_Store_KBUpdatePartialPatch(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	base := createTestKB(t, s, "patchme")

	desc := "updated description"
	newChunk := kb.ChunkConfig{ChunkSize: 256, ChunkOverlap: 32, ParserType: kb.ParserSentence, Separator: "\n"}
	got, err := s.UpdateKB(ctx, base.ID, KBPatch{Description: &desc, ChunkConfig: &newChunk})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Description != desc {
		t.Errorf("description not patched: %q", got.Description)
	}
	if got.ChunkConfig != newChunk {
		t.Errorf("chunk config not replaced: %+v", got.ChunkConfig)
	}
	if got.Name != "patchme" {
		t.Errorf("name changed unexpectedly: %q", got.Name)
	}
	if !got.UpdatedAt.After(base.UpdatedAt) && !got.UpdatedAt.Equal(base.UpdatedAt) {
		t.Errorf("updated_at went backwards: %v -> %v", base.UpdatedAt, got.UpdatedAt)
	}
}

func Test_Store_KBRenameUniqueness(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	createTestKB(t, s, "taken")
	base := createTestKB(t, s, "renameme")

	name := "taken"
	if _, err := s.UpdateKB(ctx, base.ID, KBPatch{Name: &name}); !errors.Is(err, kb.ErrAlreadyExists) {
		t.Fatalf("want ErrAlreadyExists, got %v", err)
	}

	bad := "has space"
	if _, err := s.UpdateKB(ctx, base.ID, KBPatch{Name: &bad}); !errors.Is(err, kb.ErrValidation) {
		t.Fatalf("want ErrValidation, got %v", err)
	}
}

func Test_Store_KBListPagination(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	for i := range 5 {
		createTestKB(t, s, fmt.Sprintf("kb-%02d", i))
	}

	page1, total, err := s.ListKBs(ctx, 1, 2)
	if err != nil {
		t.Fatalf("list page 1: %v", err)
	}
	if total != 5 {
		t.Errorf("want total 5, got %d", total)
	}
	if len(page1) != 2 {
		t.Errorf("want 2 on page 1, got %d", len(page1))
	}

	page3, _, err := s.ListKBs(ctx, 3, 2)
	if err != nil {
		t.Fatalf("list page 3: %v", err)
	}
	if len(page3) != 1 {
		t.Errorf("want 1 on page 3, got %d", len(page3))
	}
}

func Test_Store_CascadeDelete(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	base := createTestKB(t, s, "cascade")
	recs := make([]*kb.FileRecord, 3)
	for i := range recs {
		recs[i] = createTestFile(t, s, base.ID, fmt.Sprintf("f%d.txt", i))
	}

	if err := s.DeleteKB(ctx, base.ID); err != nil {
		t.Fatalf("delete kb: %v", err)
	}
	for _, rec := range recs {
		if _, err := s.GetFile(ctx, rec.ID); !errors.Is(err, kb.ErrNotFound) {
			t.Errorf("file %s: want cascade-deleted, got %v", rec.ID, err)
		}
	}
}

func Test_Store_FileDuplicateNameWithinKB(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	base := createTestKB(t, s, "files")
	createTestFile(t, s, base.ID, "a.txt")

	dup, err := kb.NewFileRecord(base.ID, "a.txt", ".txt", 10, "aa")
	if err != nil {
		t.Fatalf("new record: %v", err)
	}
	if err := s.CreateFile(context.Background(), dup); !errors.Is(err, kb.ErrAlreadyExists) {
		t.Fatalf("want ErrAlreadyExists, got %v", err)
	}

	// Same name in a different knowledge base is allowed.
	other := createTestKB(t, s, "files2")
	createTestFile(t, s, other.ID, "a.txt")
}

func Test_Store_FileOverwriteResetsState(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	base := createTestKB(t, s, "overwrite")
	rec := createTestFile(t, s, base.ID, "a.txt")

	// First processing run succeeded.
	if err := s.UpdateFileStatus(ctx, rec.ID, kb.StatusSucceeded, "", 7); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	// Re-upload: same id, new content.
	rec.Size = 999
	rec.ContentHash = "ffffffffffffffffffffffffffffffff"
	if err := s.OverwriteFile(ctx, rec); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	got, err := s.GetFile(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != kb.StatusPending {
		t.Errorf("want PENDING after overwrite, got %s", got.Status)
	}
	if got.ChunkCount != 0 {
		t.Errorf("want chunk_count 0 after overwrite, got %d", got.ChunkCount)
	}
	if got.ContentHash != rec.ContentHash {
		t.Errorf("content hash not updated: %s", got.ContentHash)
	}
	if got.FailedReason != "" {
		t.Errorf("failed reason not cleared: %q", got.FailedReason)
	}
}

func Test_Store_FileStatusTransitions(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	base := createTestKB(t, s, "status")
	rec := createTestFile(t, s, base.ID, "a.txt")

	if err := s.UpdateFileStatus(ctx, rec.ID, kb.StatusFailed, "loader exploded", 0); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, err := s.GetFile(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != kb.StatusFailed || got.FailedReason != "loader exploded" {
		t.Errorf("want FAILED/loader exploded, got %s/%q", got.Status, got.FailedReason)
	}

	// Success clears the reason.
	if err := s.UpdateFileStatus(ctx, rec.ID, kb.StatusSucceeded, "", 4); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	got, err = s.GetFile(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.FailedReason != "" {
		t.Errorf("reason not cleared: %q", got.FailedReason)
	}
	if got.ChunkCount != 4 {
		t.Errorf("want chunk_count 4, got %d", got.ChunkCount)
	}

	if err := s.UpdateFileStatus(ctx, rec.ID, "BOGUS", "", 0); !errors.Is(err, kb.ErrValidation) {
		t.Errorf("bogus status: want ErrValidation, got %v", err)
	}
}

func Test_Store_FileListStatusFilter(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	base := createTestKB(t, s, "filter")
	a := createTestFile(t, s, base.ID, "a.txt")
	createTestFile(t, s, base.ID, "b.txt")

	if err := s.UpdateFileStatus(ctx, a.ID, kb.StatusSucceeded, "", 2); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	succeeded, total, err := s.ListFiles(ctx, base.ID, 1, 10, kb.StatusSucceeded)
	if err != nil {
		t.Fatalf("list succeeded: %v", err)
	}
	if total != 1 || len(succeeded) != 1 || succeeded[0].ID != a.ID {
		t.Errorf("status filter failed: total=%d len=%d", total, len(succeeded))
	}

	all, total, err := s.ListFiles(ctx, base.ID, 1, 10, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if total != 2 || len(all) != 2 {
		t.Errorf("unfiltered list failed: total=%d len=%d", total, len(all))
	}
}

func Test_Store_StatsComputedOnRead(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	base := createTestKB(t, s, "stats")
	a := createTestFile(t, s, base.ID, "a.txt")
	b := createTestFile(t, s, base.ID, "b.txt")
	createTestFile(t, s, base.ID, "pending.txt")

	if err := s.UpdateFileStatus(ctx, a.ID, kb.StatusSucceeded, "", 2); err != nil {
		t.Fatalf("mark a: %v", err)
	}
	if err := s.UpdateFileStatus(ctx, b.ID, kb.StatusSucceeded, "", 3); err != nil {
		t.Fatalf("mark b: %v", err)
	}

	st, err := s.KBStats(ctx, base.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.DocumentCount != 2 {
		t.Errorf("want 2 succeeded documents, got %d", st.DocumentCount)
	}
	if st.TotalSize != 256 {
		t.Errorf("want total size 256, got %d", st.TotalSize)
	}
}
