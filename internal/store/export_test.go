package store

import "context"

// Truncate empties every table between integration tests.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE job_events, idempotency_keys, jobs`)
	return err
}
