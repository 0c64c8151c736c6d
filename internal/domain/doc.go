// Package domain defines the core business types for the nurture engine.
//
// Types in this package are pure value objects with no behavior beyond
// validation and status arithmetic. They are the shared language between
// the scheduler, workers, ingest pipeline, and store.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Pure functions on the types (rank comparisons, formatters) belong here
package domain
