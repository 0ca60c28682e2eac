// Package jobs defines the enhancement job record and its SQLite-backed
// state store. The store is the single source of truth for a job's stage,
// status, and progress; writers are serialized per job by the claim
// discipline enforced in the broker and pipeline packages.
package jobs
