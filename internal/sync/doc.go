// Package sync contains the incremental extraction engine and its
// orchestration: the job lifecycle, the per-run repository queue, the
// cursor-driven scan with nested resolution, and the batched writer.
//
// The engine never sleeps and never retries at its own level. Interruption
// handling follows one contract:
//
//   - Quota exhaustion and context cancellation are pauses. The pending
//     batch is flushed, the checkpoint describes the exact resume position,
//     and the job yields with partial progress durable.
//   - Everything else is a failure. The pending batch is discarded and the
//     checkpoint falls back to the oldest position whose data is not yet
//     durable, so a later run re-fetches instead of losing records.
//
// Either way a run resumed from the persisted checkpoint converges to the
// same stored state as an uninterrupted run, because pull-request writes
// are idempotent upserts and nested collections are replaced wholesale.
package sync
