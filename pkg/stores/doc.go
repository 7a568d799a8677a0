// Package stores provides the persistence layer for devlink. It includes
// a SQLite store with embedded migrations holding trusted device host keys
// and the history of connect attempts.
package stores
