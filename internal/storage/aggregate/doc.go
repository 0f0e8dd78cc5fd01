// Package aggregate builds temporal precipitation sums.
//
// A five-minute aggregate comes from one composite; hour and day aggregates
// are cell-wise sums of their sub-period aggregates, built recursively.
// Every aggregate is persisted and re-validated before reuse: a cached
// aggregate whose station set, declutter settings or availability disagree
// with the request is deleted and rebuilt.
package aggregate
