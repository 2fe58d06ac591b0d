package kb

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileStatus is the processing state of an uploaded file.
type FileStatus string

const (
	// StatusPending means the file is uploaded and waiting for processing.
	StatusPending FileStatus = "PENDING"
	// StatusParsing means the pipeline is loading and chunking the file.
	StatusParsing FileStatus = "PARSING"
	// StatusPersisting means chunks are being embedded and upserted.
	StatusPersisting FileStatus = "PERSISTING"
	// StatusSucceeded is terminal: the file is searchable.
	StatusSucceeded FileStatus = "SUCCEEDED"
	// StatusFailed is terminal: a stage failed; see FailedReason.
	StatusFailed FileStatus = "FAILED"
	// StatusCancelled is terminal. The pipeline never transitions into it;
	// it is reachable only by external administrative action.
	StatusCancelled FileStatus = "CANCELLED"
)

// Valid reports whether s is a known status value.
func (s FileStatus) Valid() bool {
	switch s {
	case StatusPending, StatusParsing, StatusPersisting, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status.
func (s FileStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// SupportedExtensions lists the file extensions the loader registry accepts.
var SupportedExtensions = []string{".txt", ".md", ".pdf", ".docx"}

// ExtensionSupported reports whether ext (including the leading dot,
// any case) has a registered document loader category.
func ExtensionSupported(ext string) bool {
	ext = strings.ToLower(ext)
	for _, e := range SupportedExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// FileRecord tracks one uploaded file through the ingestion state machine.
// Created at upload time with StatusPending; mutated only by the pipeline
// afterwards. File names are unique within a knowledge base; re-uploading
// a name overwrites the existing record, keeping its id.
type FileRecord struct {
	// ID is the immutable identifier (UUIDv4 string), reused on overwrite.
	ID string
	// KBID references the owning knowledge base; deleting the knowledge
	// base cascades deletion of its file records.
	KBID string
	// FileName is the logical name, unique within KBID.
	FileName string
	// StoredPath is where the blob store keeps the bytes.
	StoredPath string
	// Extension is the lowercase file extension including the dot.
	Extension string
	// Size is the byte length of the uploaded content.
	Size int64
	// ContentHash is the 32-hex content digest, identity of the content
	// for dedup and debugging, not of the record.
	ContentHash string
	// Status is the state-machine position.
	Status FileStatus
	// FailedReason holds the human-readable failure cause when Status is
	// FAILED; cleared on success.
	FailedReason string
	// ChunkCount is the number of chunks upserted by the last successful
	// processing run.
	ChunkCount int
	// Metadata is free-form per-file annotation carried into chunk payloads.
	Metadata map[string]string
	// CreatedAt and UpdatedAt are maintained by the metadata store.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewFileRecord builds a pending FileRecord for a fresh upload.
func NewFileRecord(kbID, fileName, ext string, size int64, hash string) (*FileRecord, error) {
	if fileName == "" {
		return nil, fmt.Errorf("kb: file name must not be empty: %w", ErrValidation)
	}
	ext = strings.ToLower(ext)
	if !ExtensionSupported(ext) {
		return nil, fmt.Errorf("kb: unsupported extension %q: %w", ext, ErrValidation)
	}
	now := time.Now().UTC()
	return &FileRecord{
		ID:          uuid.NewString(),
		KBID:        kbID,
		FileName:    fileName,
		Extension:   ext,
		Size:        size,
		ContentHash: hash,
		Status:      StatusPending,
		Metadata:    map[string]string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}
