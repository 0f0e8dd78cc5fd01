package parquet

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	rterrors "github.com/xtxerr/raintier/internal/errors"
	"github.com/xtxerr/raintier/internal/storage/types"
)

const readBatch = 8192

// ReadGrid reads a grid file written by WriteGrid. Cells absent from the
// file are masked.
func ReadGrid(path string, rows, cols int) (*types.Grid, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", rterrors.ErrNotFound, path)
		}
		return nil, rterrors.StoreIO("open file", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[CellRow](f, parquet.ReadBufferSize(1024*1024))
	defer reader.Close()

	g := types.NewMaskedGrid(rows, cols)
	buf := make([]CellRow, readBatch)
	for {
		n, err := reader.Read(buf)
		for _, r := range buf[:n] {
			i := int(r.Cell)
			if i < 0 || i >= g.Len() {
				return nil, fmt.Errorf("%w: %s: cell %d outside %dx%d",
					rterrors.ErrShapeMismatch, path, i, rows, cols)
			}
			g.Set(i, r.Value)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, rterrors.StoreIO("read rows", err)
		}
		if n == 0 {
			break
		}
	}

	return g, nil
}

// FileInfo holds information about a grid file.
type FileInfo struct {
	Path    string
	Size    int64
	NumRows int64
}

// GetFileInfo returns information about a grid file.
func GetFileInfo(path string) (*FileInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := parquet.NewGenericReader[CellRow](f)
	defer reader.Close()

	return &FileInfo{
		Path:    path,
		Size:    stat.Size(),
		NumRows: reader.NumRows(),
	}, nil
}
