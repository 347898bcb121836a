// Package avatarsession runs the lifecycle of time-boxed, pay-per-use avatar
// streaming sessions and enforces each user's lifetime usage quota.
//
// A Manager owns an in-process Registry of running sessions and a
// usage.Store for durable quota counters and per-session records. Starting a
// session checks the quota, persists an active usage record, and arms a
// one-shot timeout timer. Ending a session — whether the client asks, the
// timer fires, or the cleanup sweep catches a straggler — goes through a
// single termination path guarded by an atomic compare-and-swap on the
// session's active flag, so termination happens exactly once even when the
// client call and the timer fire in the same instant. The finalized duration
// is then folded into the user's quota through the store's atomic increment.
//
// The registry is a rebuildable cache: the persisted active records are the
// source of truth. After a crash or restart, Cleanup closes records that
// have no in-memory counterpart as timeouts and charges their quota exactly
// once; run it at startup before serving new sessions. A background loop
// repeats the pass on CleanupInterval as a safety net for timers that never
// fired.
//
//	store := usage.NewPGStore(pool, 1200)
//	mgr, err := avatarsession.New(store,
//	    avatarsession.WithConfig(cfg),
//	    avatarsession.WithLogger(log),
//	)
//	if err != nil {
//	    return err
//	}
//	defer mgr.Close()
//
//	if _, err := mgr.Cleanup(ctx); err != nil {
//	    log.Warn("startup reconciliation incomplete", "error", err)
//	}
//
//	res, err := mgr.StartSession(ctx, avatarsession.StartParams{...})
//	switch {
//	case errors.Is(err, avatarsession.ErrQuotaExhausted):
//	    // degrade to the non-streaming experience; res.Quota says why
//	case err != nil:
//	    return err
//	}
package avatarsession
