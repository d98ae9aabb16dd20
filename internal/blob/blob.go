// Package blob selects and re-exports the blob storage backends used for the
// shipment traceability archive.
package blob

import (
	"context"
	"fmt"

	"exportcore/internal/blob/core"
	"exportcore/internal/infra/blob/fs"
	memorystore "exportcore/internal/infra/blob/memory"
	infraS3 "exportcore/internal/infra/blob/s3"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
	// S3Config configures the S3 backend.
	S3Config = infraS3.Config
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	// ErrExists indicates a write to a key that is already taken.
	ErrExists = core.ErrExists
	// ErrNotFound indicates a missing key.
	ErrNotFound = core.ErrNotFound
)

// Config selects a backend. An empty Driver disables the archive.
type Config struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// Open constructs the configured store. It returns (nil, nil) when cfg.Driver
// is empty.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case DriverFilesystem:
		return fs.New(cfg.FSRoot)
	case DriverS3:
		return infraS3.New(ctx, cfg.S3)
	case DriverMemory:
		return memorystore.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", cfg.Driver)
	}
}
