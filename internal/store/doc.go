// Package store defines interfaces for persistence dependencies (the last-known
// status of every stage). Implementations live in other packages; this package
// must not import database drivers or concrete clients.
package store
