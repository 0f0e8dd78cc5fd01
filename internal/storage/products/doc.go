// Package products persists aggregates and calibrated products as files.
//
// Each product lives at
//
//	<basedir>/<kind>/<code>/<YYYY>/<MM>/<DD>/<code>_<YYYYMMDDHHMMSS>.parquet
//
// with a msgpack sidecar of the same name and a ".meta" extension. The grid
// is written first and the sidecar last, so a product without its sidecar is
// incomplete and treated as absent.
package products
