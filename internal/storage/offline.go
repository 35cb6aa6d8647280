package storage

import (
	"database/sql"
	"errors"
)

const opColumns = `seq, id, kind, description, payload_json, status, attempts, queued_at, updated_at, last_error`

func scanOp(row rowScanner) (OfflineOp, error) {
	var op OfflineOp
	var queuedAt, updatedAt string
	var lastError sql.NullString
	if err := row.Scan(&op.Seq, &op.ID, &op.Kind, &op.Description, &op.PayloadJSON, &op.Status,
		&op.Attempts, &queuedAt, &updatedAt, &lastError); err != nil {
		return OfflineOp{}, err
	}
	var err error
	if op.QueuedAt, err = parseTime("queued_at", queuedAt); err != nil {
		return OfflineOp{}, err
	}
	if op.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return OfflineOp{}, err
	}
	op.LastError = lastError.String
	return op, nil
}

// EnqueueOp appends op to the tail of the queue and returns it with its
// sequence number and timestamps filled in.
func (s *Store) EnqueueOp(op OfflineOp) (OfflineOp, error) {
	now := s.now()
	if op.PayloadJSON == "" {
		op.PayloadJSON = "{}"
	}
	res, err := s.db.Exec(`
		INSERT INTO offline_ops (id, kind, description, payload_json, status, attempts, queued_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?)`,
		op.ID, op.Kind, op.Description, op.PayloadJSON, now.Format(timeFormat), now.Format(timeFormat),
	)
	if err != nil {
		return OfflineOp{}, err
	}
	if op.Seq, err = res.LastInsertId(); err != nil {
		return OfflineOp{}, err
	}
	op.Status = OpPending
	op.QueuedAt, op.UpdatedAt = now, now
	return op, nil
}

// HeadOp returns the oldest pending operation, or nil when the queue is empty.
func (s *Store) HeadOp() (*OfflineOp, error) {
	op, err := scanOp(s.db.QueryRow(`SELECT ` + opColumns + ` FROM offline_ops WHERE status = 'pending' ORDER BY seq ASC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// ListOps returns operations with the given status in queue order. An empty
// status lists every operation.
func (s *Store) ListOps(status string) ([]OfflineOp, error) {
	query := `SELECT ` + opColumns + ` FROM offline_ops`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []OfflineOp{}
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, op)
	}
	return results, rows.Err()
}

// CountOps counts operations with the given status.
func (s *Store) CountOps(status string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM offline_ops WHERE status = ?`, status).Scan(&n)
	return n, err
}

// DeleteOp removes a replayed or dropped operation.
func (s *Store) DeleteOp(id string) error {
	res, err := s.db.Exec(`DELETE FROM offline_ops WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// RecordOpAttempt increments the attempt counter and stores the last error.
func (s *Store) RecordOpAttempt(id, errMsg string) error {
	res, err := s.db.Exec(`UPDATE offline_ops SET attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		errMsg, s.stamp(), id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// MarkOpDead parks an operation for inspection; it is no longer replayed.
func (s *Store) MarkOpDead(id string) error {
	res, err := s.db.Exec(`UPDATE offline_ops SET status = 'dead', updated_at = ? WHERE id = ?`, s.stamp(), id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// RequeueOp moves a dead operation back to the tail of the pending queue.
func (s *Store) RequeueOp(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	op, err := scanOp(tx.QueryRow(`SELECT `+opColumns+` FROM offline_ops WHERE id = ? AND status = 'dead'`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM offline_ops WHERE id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO offline_ops (id, kind, description, payload_json, status, attempts, queued_at, updated_at, last_error)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?)`,
		op.ID, op.Kind, op.Description, op.PayloadJSON, op.QueuedAt.Format(timeFormat), s.stamp(), op.LastError,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// ClearOps deletes every operation with the given status, or all when status
// is empty. It returns the number deleted.
func (s *Store) ClearOps(status string) (int, error) {
	var (
		res sql.Result
		err error
	)
	if status == "" {
		res, err = s.db.Exec(`DELETE FROM offline_ops`)
	} else {
		res, err = s.db.Exec(`DELETE FROM offline_ops WHERE status = ?`, status)
	}
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
