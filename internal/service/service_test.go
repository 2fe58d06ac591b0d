package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kbase-ai/kbase-go/internal/blobstore"
	"github.com/kbase-ai/kbase-go/internal/embedder"
	"github.com/kbase-ai/kbase-go/internal/kb"
	"github.com/kbase-ai/kbase-go/internal/metastore"
	"github.com/kbase-ai/kbase-go/internal/vecindex"
)

// fakeEmbedBackend serves the Ollama /api/embed wire format with
// deterministic 4-dimensional vectors derived from the input text, so
// identical texts always embed identically.
func fakeEmbedBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		embeddings := make([][]float32, len(req.Input))
		for i, text := range req.Input {
			embeddings[i] = textVector(text)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": embeddings})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// textVector hashes text into a fixed 4-dimensional vector.
func textVector(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	sum := h.Sum64()
	v := make([]float32, 4)
	for i := range v {
		v[i] = float32((sum>>(i*8))&0xff)/255 + 0.01
	}
	return v
}

type testEnv struct {
	svc *Service
	vec *vecindex.MemoryIndex
}

func newTestService(t *testing.T) *testEnv {
	t.Helper()

	meta, err := metastore.Open(":memory:")
	if err != nil {
		t.Fatalf("open metastore: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	blobs, err := blobstore.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new blobstore: %v", err)
	}

	vec := vecindex.NewMemoryIndex()
	backend := fakeEmbedBackend(t)

	svc, err := New(context.Background(), meta, blobs, vec, Options{
		Embedding: embedder.Options{
			Backend:    "ollama",
			Model:      "nomic-embed-text",
			Endpoint:   backend.URL,
			Dimensions: 4,
		},
		Registry: prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &testEnv{svc: svc, vec: vec}
}

func createTestKB(t *testing.T, svc *Service, name string) *kb.KnowledgeBase {
	t.Helper()
	base, err := svc.CreateKnowledgeBase(context.Background(), name, "test corpus", "", nil, nil)
	if err != nil {
		t.Fatalf("create kb: %v", err)
	}
	return base
}

func Test_Service_CreateKnowledgeBase(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	base := createTestKB(t, env.svc, "docs")

	exists, err := env.vec.CollectionExists(context.Background(), vecindex.CollectionName(base.ID))
	if err != nil || !exists {
		t.Fatalf("expected vector collection to exist, got exists=%v err=%v", exists, err)
	}

	got, err := env.svc.GetKnowledgeBaseByName(context.Background(), "docs")
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if got.ID != base.ID {
		t.Errorf("id = %s, want %s", got.ID, base.ID)
	}
}

func Test_Service_CreateKnowledgeBase_DuplicateName(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	createTestKB(t, env.svc, "docs")

	_, err := env.svc.CreateKnowledgeBase(context.Background(), "docs", "", "", nil, nil)
	if !errors.Is(err, kb.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func Test_Service_CreateKnowledgeBase_InvalidName(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	_, err := env.svc.CreateKnowledgeBase(context.Background(), "a", "", "", nil, nil)
	if !errors.Is(err, kb.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

// failingIndex rejects collection creation; everything else delegates.
type failingIndex struct {
	vecindex.Index
}

func (f *failingIndex) CreateCollection(context.Context, string, uint64, vecindex.Distance) error {
	return fmt.Errorf("vecindex: backend down: %w", kb.ErrExternalService)
}

func Test_Service_CreateKnowledgeBase_CompensatesOnCollectionFailure(t *testing.T) {
	t.Parallel()

	meta, err := metastore.Open(":memory:")
	if err != nil {
		t.Fatalf("open metastore: %v", err)
	}
	t.Cleanup(func() { meta.Close() })
	blobs, err := blobstore.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new blobstore: %v", err)
	}

	svc, err := New(context.Background(), meta, blobs, &failingIndex{Index: vecindex.NewMemoryIndex()}, Options{
		Embedding: embedder.Options{Backend: "ollama", Dimensions: 4},
		Registry:  prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	_, err = svc.CreateKnowledgeBase(context.Background(), "docs", "", "", nil, nil)
	if !errors.Is(err, kb.ErrExternalService) {
		t.Fatalf("expected the collection error, got %v", err)
	}

	// The compensating delete must have removed the metadata row.
	if _, err := meta.GetKBByName(context.Background(), "docs"); !errors.Is(err, kb.ErrNotFound) {
		t.Fatalf("expected metadata row rolled back, got %v", err)
	}
	// The name is free again.
	if _, err := svc.CreateKnowledgeBase(context.Background(), "docs", "", "", nil, nil); !errors.Is(err, kb.ErrExternalService) {
		t.Fatalf("expected retry to reach collection creation again, got %v", err)
	}
}

// flakyCreateIndex fails collection creation a fixed number of times
// with a transient backend error, then delegates.
type flakyCreateIndex struct {
	vecindex.Index
	remaining int
	calls     int
}

func (f *flakyCreateIndex) CreateCollection(ctx context.Context, name string, dims uint64, dist vecindex.Distance) error {
	f.calls++
	if f.remaining > 0 {
		f.remaining--
		return fmt.Errorf("vecindex: create collection %s: %w", name, kb.ErrExternalService)
	}
	return f.Index.CreateCollection(ctx, name, dims, dist)
}

func Test_Service_CreateKnowledgeBase_RetriesTransientCollectionError(t *testing.T) {
	t.Parallel()

	meta, err := metastore.Open(":memory:")
	if err != nil {
		t.Fatalf("open metastore: %v", err)
	}
	t.Cleanup(func() { meta.Close() })
	blobs, err := blobstore.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new blobstore: %v", err)
	}

	flaky := &flakyCreateIndex{Index: vecindex.NewMemoryIndex(), remaining: 1}
	svc, err := New(context.Background(), meta, blobs, flaky, Options{
		Embedding: embedder.Options{Backend: "ollama", Dimensions: 4},
		Registry:  prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	base, err := svc.CreateKnowledgeBase(context.Background(), "docs", "", "", nil, nil)
	if err != nil {
		t.Fatalf("expected the transient failure to be retried, got %v", err)
	}
	if flaky.calls != 2 {
		t.Errorf("create collection calls = %d, want 2", flaky.calls)
	}
	exists, err := flaky.CollectionExists(context.Background(), vecindex.CollectionName(base.ID))
	if err != nil || !exists {
		t.Errorf("expected collection after retry, got exists=%v err=%v", exists, err)
	}
}

func Test_Service_UpdateKnowledgeBase(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	base := createTestKB(t, env.svc, "docs")

	newName := "docs-renamed"
	updated, err := env.svc.UpdateKnowledgeBase(context.Background(), base.ID, metastore.KBPatch{Name: &newName})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != newName {
		t.Errorf("name = %s, want %s", updated.Name, newName)
	}

	// The cache must follow the rename.
	if _, err := env.svc.GetKnowledgeBaseByName(context.Background(), newName); err != nil {
		t.Errorf("get by new name: %v", err)
	}
	if _, err := env.svc.GetKnowledgeBaseByName(context.Background(), "docs"); !errors.Is(err, kb.ErrNotFound) {
		t.Errorf("expected old name gone, got %v", err)
	}
}

func Test_Service_UploadFile(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	base := createTestKB(t, env.svc, "docs")

	content := []byte("Alpha paragraph.\n\nBeta paragraph.")
	rec, err := env.svc.UploadFile(context.Background(), base.ID, "guide.txt", content, map[string]string{"team": "infra"})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if rec.Status != kb.StatusPending {
		t.Errorf("status = %s, want PENDING", rec.Status)
	}
	if rec.ContentHash != blobstore.HashContent(content) {
		t.Errorf("content hash mismatch")
	}
	if _, err := os.Stat(rec.StoredPath); err != nil {
		t.Errorf("blob not on disk: %v", err)
	}
}

func Test_Service_UploadFile_Validation(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	base := createTestKB(t, env.svc, "docs")
	ctx := context.Background()

	if _, err := env.svc.UploadFile(ctx, base.ID, "evil.exe", []byte("x"), nil); !errors.Is(err, kb.ErrValidation) {
		t.Errorf("unsupported extension: expected ErrValidation, got %v", err)
	}
	if _, err := env.svc.UploadFile(ctx, base.ID, "empty.txt", nil, nil); !errors.Is(err, kb.ErrValidation) {
		t.Errorf("empty content: expected ErrValidation, got %v", err)
	}
	if _, err := env.svc.UploadFile(ctx, "no-such-kb", "a.txt", []byte("x"), nil); !errors.Is(err, kb.ErrNotFound) {
		t.Errorf("unknown kb: expected ErrNotFound, got %v", err)
	}
}

func Test_Service_UploadFile_SizeLimit(t *testing.T) {
	t.Parallel()

	meta, err := metastore.Open(":memory:")
	if err != nil {
		t.Fatalf("open metastore: %v", err)
	}
	t.Cleanup(func() { meta.Close() })
	blobs, err := blobstore.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new blobstore: %v", err)
	}

	svc, err := New(context.Background(), meta, blobs, vecindex.NewMemoryIndex(), Options{
		Embedding:     embedder.Options{Backend: "ollama", Dimensions: 4},
		MaxUploadSize: 16,
		Registry:      prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	base := createTestKB(t, svc, "docs")

	if _, err := svc.UploadFile(context.Background(), base.ID, "big.txt", make([]byte, 17), nil); !errors.Is(err, kb.ErrValidation) {
		t.Fatalf("expected ErrValidation for oversized upload, got %v", err)
	}
}

func Test_Service_UploadFile_OverwriteKeepsID(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	base := createTestKB(t, env.svc, "docs")
	ctx := context.Background()

	first, err := env.svc.UploadFile(ctx, base.ID, "guide.txt", []byte("first version"), nil)
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}
	second, err := env.svc.UploadFile(ctx, base.ID, "guide.txt", []byte("second version, longer"), nil)
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("overwrite changed the id: %s vs %s", second.ID, first.ID)
	}
	if second.Status != kb.StatusPending {
		t.Errorf("status = %s, want PENDING", second.Status)
	}

	data, err := os.ReadFile(second.StoredPath)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if string(data) != "second version, longer" {
		t.Errorf("blob content = %q", data)
	}
}

func Test_Service_ProcessFile_EndToEnd(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	base := createTestKB(t, env.svc, "docs")
	ctx := context.Background()

	rec, err := env.svc.UploadFile(ctx, base.ID, "guide.txt", []byte("Alpha paragraph.\n\nBeta paragraph.\n\nGamma paragraph."), nil)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	processed, err := env.svc.ProcessFile(ctx, rec.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if processed.Status != kb.StatusSucceeded {
		t.Fatalf("status = %s (%s), want SUCCEEDED", processed.Status, processed.FailedReason)
	}
	if processed.ChunkCount < 1 {
		t.Errorf("chunk count = %d, want >= 1", processed.ChunkCount)
	}
	if got := env.vec.Count(vecindex.CollectionName(base.ID)); got != processed.ChunkCount {
		t.Errorf("indexed points = %d, want %d", got, processed.ChunkCount)
	}
}

func Test_Service_Query_VectorMode(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	base := createTestKB(t, env.svc, "docs")
	ctx := context.Background()

	rec, err := env.svc.UploadFile(ctx, base.ID, "guide.txt", []byte("Replication lag rises during checkpoints."), nil)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := env.svc.ProcessFile(ctx, rec.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	// The deterministic backend embeds identical text identically, so
	// querying with the chunk text itself scores 1.0.
	results, err := env.svc.Query(ctx, base.ID, "Replication lag rises during checkpoints.", QueryOptions{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
	if results[0].Payload.FileID != rec.ID {
		t.Errorf("payload file id = %s, want %s", results[0].Payload.FileID, rec.ID)
	}
}

func Test_Service_Query_BlankText(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	base := createTestKB(t, env.svc, "docs")

	if _, err := env.svc.Query(context.Background(), base.ID, "   \t\n", QueryOptions{}); !errors.Is(err, kb.ErrValidation) {
		t.Fatalf("expected ErrValidation for blank query, got %v", err)
	}
}

func Test_Service_Query_TopKOverride(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	base := createTestKB(t, env.svc, "docs")
	ctx := context.Background()

	target := "Replication lag rises during checkpoints."
	for i, text := range []string{target, "Vacuum schedules for busy tables.", "Index bloat after bulk deletes."} {
		rec, err := env.svc.UploadFile(ctx, base.ID, fmt.Sprintf("doc-%d.txt", i), []byte(text), nil)
		if err != nil {
			t.Fatalf("upload %d: %v", i, err)
		}
		if _, err := env.svc.ProcessFile(ctx, rec.ID); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}

	results, err := env.svc.Query(ctx, base.ID, target, QueryOptions{TopK: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want the override to cap at 1", len(results))
	}
	if results[0].Payload.Text != target {
		t.Errorf("top result = %q, want the exact match", results[0].Payload.Text)
	}
}

func Test_Service_Query_EmptyKnowledgeBase(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	base := createTestKB(t, env.svc, "docs")

	results, err := env.svc.Query(context.Background(), base.ID, "replication lag", QueryOptions{})
	if err != nil {
		t.Fatalf("query against empty kb: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("got %d results, want none", len(results))
	}
}

func Test_Service_Query_HybridMode(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	rc := kb.DefaultRetrievalConfig()
	rc.Mode = kb.ModeHybrid
	base, err := env.svc.CreateKnowledgeBase(context.Background(), "docs", "", "", nil, &rc)
	if err != nil {
		t.Fatalf("create kb: %v", err)
	}
	ctx := context.Background()

	rec, err := env.svc.UploadFile(ctx, base.ID, "guide.txt", []byte("Replication lag troubleshooting guide."), nil)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := env.svc.ProcessFile(ctx, rec.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	// The keyword channel matches even though the query embeds to an
	// unrelated vector.
	results, err := env.svc.Query(ctx, base.ID, "replication lag", QueryOptions{})
	if err != nil {
		t.Fatalf("hybrid query: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected the keyword channel to surface the chunk")
	}
}

func Test_Service_DeleteFile_RemovesEverywhere(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	base := createTestKB(t, env.svc, "docs")
	ctx := context.Background()

	rec, err := env.svc.UploadFile(ctx, base.ID, "guide.txt", []byte("Alpha.\n\nBeta."), nil)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := env.svc.ProcessFile(ctx, rec.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	if err := env.svc.DeleteFile(ctx, rec.ID); err != nil {
		t.Fatalf("delete file: %v", err)
	}

	if _, err := env.svc.GetFile(ctx, rec.ID); !errors.Is(err, kb.ErrNotFound) {
		t.Errorf("expected record gone, got %v", err)
	}
	if got := env.vec.Count(vecindex.CollectionName(base.ID)); got != 0 {
		t.Errorf("expected 0 points after delete, got %d", got)
	}
	if _, err := os.Stat(rec.StoredPath); !os.IsNotExist(err) {
		t.Errorf("expected blob gone, got %v", err)
	}
}

func Test_Service_DeleteKnowledgeBase_Cascades(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	base := createTestKB(t, env.svc, "docs")
	ctx := context.Background()

	rec, err := env.svc.UploadFile(ctx, base.ID, "guide.txt", []byte("Alpha.\n\nBeta."), nil)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := env.svc.ProcessFile(ctx, rec.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	if err := env.svc.DeleteKnowledgeBase(ctx, base.ID); err != nil {
		t.Fatalf("delete kb: %v", err)
	}

	if _, err := env.svc.GetKnowledgeBase(ctx, base.ID); !errors.Is(err, kb.ErrNotFound) {
		t.Errorf("expected kb gone, got %v", err)
	}
	if _, err := env.svc.GetFile(ctx, rec.ID); !errors.Is(err, kb.ErrNotFound) {
		t.Errorf("expected file record cascade-deleted, got %v", err)
	}
	exists, err := env.vec.CollectionExists(ctx, vecindex.CollectionName(base.ID))
	if err != nil || exists {
		t.Errorf("expected collection gone, got exists=%v err=%v", exists, err)
	}
	if _, err := os.Stat(rec.StoredPath); !os.IsNotExist(err) {
		t.Errorf("expected blob directory gone, got %v", err)
	}
}

func Test_Service_Stats(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	base := createTestKB(t, env.svc, "docs")
	ctx := context.Background()

	content := []byte("Alpha paragraph for statistics.")
	rec, err := env.svc.UploadFile(ctx, base.ID, "guide.txt", content, nil)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	// PENDING files do not count.
	stats, err := env.svc.Stats(ctx, base.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.DocumentCount != 0 {
		t.Errorf("document count before processing = %d, want 0", stats.DocumentCount)
	}

	if _, err := env.svc.ProcessFile(ctx, rec.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	stats, err = env.svc.Stats(ctx, base.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.DocumentCount != 1 || stats.TotalSize != int64(len(content)) {
		t.Errorf("stats = %+v, want 1 document of %d bytes", stats, len(content))
	}
}

func Test_Service_ProcessBatch(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	base := createTestKB(t, env.svc, "docs")
	ctx := context.Background()

	var ids []string
	for i := 0; i < 6; i++ {
		rec, err := env.svc.UploadFile(ctx, base.ID, fmt.Sprintf("doc-%d.txt", i), []byte(fmt.Sprintf("Document number %d content.", i)), nil)
		if err != nil {
			t.Fatalf("upload %d: %v", i, err)
		}
		ids = append(ids, rec.ID)
	}
	// An unknown id must fail alone without stopping the batch.
	ids = append(ids, "no-such-file")

	results := env.svc.ProcessBatch(ctx, ids, BatchOptions{Workers: 3, RatePerSecond: -1})
	if len(results) != len(ids) {
		t.Fatalf("got %d results, want %d", len(results), len(ids))
	}
	for i := 0; i < 6; i++ {
		if results[i].FileID != ids[i] {
			t.Errorf("result %d out of order: %s vs %s", i, results[i].FileID, ids[i])
		}
		if results[i].Err != nil {
			t.Errorf("file %d: unexpected error %v", i, results[i].Err)
			continue
		}
		if results[i].Record.Status != kb.StatusSucceeded {
			t.Errorf("file %d status = %s", i, results[i].Record.Status)
		}
	}
	if !errors.Is(results[6].Err, kb.ErrNotFound) {
		t.Errorf("unknown file: expected ErrNotFound, got %v", results[6].Err)
	}
}
