// Package store provides the in-memory, id-keyed repositories the engine
// components keep their state in. Components depend on the narrow
// Repository interface so a persistent implementation can replace Map
// without touching the state-machine logic.
package store
