package engine

// LockCount reports how many network locks e currently tracks.
func LockCount(e *Engine) int { return e.locks.len() }
