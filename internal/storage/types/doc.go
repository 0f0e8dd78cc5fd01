// Package types defines the data types shared by the radar product pipeline.
//
// Key types:
//   - Grid: values plus validity mask on the common spatial index
//   - Timeframe: 5min, hour or day aggregation granularity
//   - Prodcode: realtime, near-realtime, afterwards or ultimate
//   - Aggregate: temporal precipitation sum for one period
//   - Product: calibrated (or consistent) aggregate keyed by prodcode
package types
