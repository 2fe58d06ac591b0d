package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kbase-ai/kbase-go/internal/blobstore"
	"github.com/kbase-ai/kbase-go/internal/config"
	"github.com/kbase-ai/kbase-go/internal/embedder"
	"github.com/kbase-ai/kbase-go/internal/kb"
	"github.com/kbase-ai/kbase-go/internal/metastore"
	"github.com/kbase-ai/kbase-go/internal/service"
	"github.com/kbase-ai/kbase-go/internal/vecindex"
)

// buildService assembles the knowledge-base facade from the resolved
// environment. The returned cleanup closes the underlying stores and must be
// deferred by the caller.
func buildService(ctx context.Context, log *slog.Logger) (*service.Service, func(), error) {
	settings := config.FromEnv()

	meta, err := metastore.Open(settings.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open metadata store at %s: %w", settings.DBPath, err)
	}
	blobs, err := blobstore.New(settings.BlobDir, log)
	if err != nil {
		meta.Close()
		return nil, nil, err
	}

	var vec vecindex.Index
	if devMode {
		vec = vecindex.NewMemoryIndex()
		log.Warn("dev mode: vectors are held in memory and lost on exit")
	} else {
		vec, err = vecindex.NewQdrantIndex(&vecindex.QdrantConfig{
			Host:   settings.QdrantHost,
			Port:   settings.QdrantPort,
			APIKey: settings.QdrantAPIKey,
			UseTLS: settings.QdrantTLS,
		})
		if err != nil {
			meta.Close()
			return nil, nil, fmt.Errorf("connect to Qdrant at %s:%d: %w", settings.QdrantHost, settings.QdrantPort, err)
		}
	}

	svc, err := service.New(ctx, meta, blobs, vec, service.Options{
		Embedding: embedder.Options{
			Backend:    settings.EmbeddingBackend,
			Model:      settings.EmbeddingModel,
			Endpoint:   settings.EmbeddingEndpoint,
			APIKey:     settings.EmbeddingAPIKey,
			Dimensions: settings.EmbeddingDimensions,
		},
		MaxUploadSize: int64(settings.MaxUploadMB) << 20,
		Logger:        log,
	})
	if err != nil {
		vec.Close()
		meta.Close()
		return nil, nil, err
	}

	cleanup := func() {
		svc.Close()
		meta.Close()
	}
	return svc, cleanup, nil
}

// resolveKB looks a knowledge base up by name and prints a friendly error
// listing nothing beyond the name when it is unknown.
func resolveKB(ctx context.Context, svc *service.Service, name string) (*kb.KnowledgeBase, error) {
	base, err := svc.GetKnowledgeBaseByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("knowledge base %q: %w", name, err)
	}
	return base, nil
}
