// Package stores provides the persistence adapters for functions, tasks and
// runs. SQLStore serves SQLite (pure Go, WAL mode) and PostgreSQL through the
// same queries with embedded golang-migrate migrations; MemoryStore keeps
// everything in process for tests and local use.
package stores
