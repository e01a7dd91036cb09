// Package stores provides the experiment history store for metasim.
// It keeps one row per experiment, its aggregated results and its progress events
// in SQLite (WAL mode, embedded migrations).
package stores
