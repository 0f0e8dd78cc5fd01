// Package parquet stores grids as Parquet files.
//
// A grid file holds one row per valid cell (cell index, row, column, value);
// masked cells are absent. The grid shape is not stored in the file: callers
// pass it when reading, taken from the product metadata or the store header.
package parquet
