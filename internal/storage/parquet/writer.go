package parquet

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	rterrors "github.com/xtxerr/raintier/internal/errors"
	"github.com/xtxerr/raintier/internal/storage/types"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// RowGroupSize is the maximum number of rows per row group
	RowGroupSize int64
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:  CompressionZstd,
		RowGroupSize: 256 * 1024,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// CellRow is one valid grid cell in Parquet format.
type CellRow struct {
	Cell  int32   `parquet:"cell,delta"`
	Row   int32   `parquet:"row"`
	Col   int32   `parquet:"col"`
	Value float64 `parquet:"value"`
}

// GridToRows converts the valid cells of g to rows in index order.
func GridToRows(g *types.Grid) []CellRow {
	rows := make([]CellRow, 0, g.ValidCount())
	for i := 0; i < g.Len(); i++ {
		if !g.Valid(i) {
			continue
		}
		rows = append(rows, CellRow{
			Cell:  int32(i),
			Row:   int32(i / g.Cols),
			Col:   int32(i % g.Cols),
			Value: g.Values[i],
		})
	}
	return rows
}

// WriteGrid writes g to path. The file is written next to its final name
// and renamed into place, so readers never observe a partial grid.
func WriteGrid(path string, g *types.Grid, opts Options) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return rterrors.StoreIO("create directory", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return rterrors.StoreIO("create file", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}
	if opts.RowGroupSize > 0 {
		writerOpts = append(writerOpts, parquet.MaxRowsPerRowGroup(opts.RowGroupSize))
	}

	writer := parquet.NewGenericWriter[CellRow](tmp, writerOpts...)
	if _, err := writer.Write(GridToRows(g)); err != nil {
		cleanup()
		return rterrors.StoreIO("write rows", err)
	}
	if err := writer.Close(); err != nil {
		cleanup()
		return rterrors.StoreIO("close writer", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return rterrors.StoreIO("sync file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return rterrors.StoreIO("close file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return rterrors.StoreIO("rename file", fmt.Errorf("%s: %w", path, err))
	}
	return nil
}
