// Package usage persists per-user lifetime streaming quotas and per-session
// usage records for the avatar streaming engine.
//
// Each user owns a single Quota row whose used_seconds counter is
// monotonically non-decreasing and only ever mutated through
// Store.IncrementUsage. The atomicity of that increment is the package's
// central contract: the PostgreSQL implementation performs it as a single
// INSERT .. ON CONFLICT DO UPDATE .. RETURNING statement, and the in-memory
// implementation holds its write lock across the whole read-modify-write.
// The exhausted flag flips exactly once, on the increment that first pushes
// the counter past the limit, and never flips back: the allowance is a
// lifetime cap, not a billing-period budget.
//
// Each streaming session owns a Record row. While a session runs its record
// has StatusActive; finalization (completed, error or timeout) is a one-way
// transition enforced by a conditional update, which is what keeps crash
// recovery from double-charging a session that was terminated twice.
//
// Stores available:
//
//   - PGStore: the durable implementation on pgx/v5.
//   - MemoryStore: same semantics in process memory, for tests.
//   - CachedStore: wraps any Store with a short-TTL Redis snapshot cache for
//     the CheckLimits hot path.
//
// The optional plan catalog (Source, NewYAMLSource) supplies allowance and
// pricing defaults per deployment tier.
package usage
