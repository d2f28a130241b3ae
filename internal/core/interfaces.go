package core

import (
	"context"
	"io"
)

// KVStore backs the guest key-value handle (spec §4.3/§6): async
// get/set/delete/clear/has, byte-safe serialization, namespaced by
// project_id outside this interface.
type KVStore interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Clear() error
	Has(key string) (bool, error)
}

// FunctionMetadata is the read-only row the metadata store provides for
// a function_id (spec §6).
type FunctionMetadata struct {
	FunctionID  string
	Version     string
	PackageHash string
	FileSize    int64
	PackagePath string
	ProjectID   string
	IsActive    bool
}

// MetadataProvider resolves the read-only rows the Engine facade consumes
// before it can build a call: function row, env rows, and network rules.
// Implementations own caching/invalidation; the core only calls through
// this interface (spec §4.8 step 1, §4.7).
type MetadataProvider interface {
	FunctionMetadata(functionID string) (*FunctionMetadata, error)
	EnvVars(functionID string) (map[string]string, error)
	NetworkPolicy(projectID string) (Policy, error)
	KVStore(projectID string) (KVStore, error)
}

// BlobStore fetches a package blob by path, verbatim (spec §6).
type BlobStore interface {
	Get(ctx context.Context, path string) (io.ReadCloser, int64, error)
}
