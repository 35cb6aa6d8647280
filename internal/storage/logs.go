package storage

// --- Event log ---

// AppendEvent stores a domain event and trims the log to the newest capacity
// rows. capacity <= 0 keeps everything.
func (s *Store) AppendEvent(event, payloadJSON string, capacity int) (EventRecord, error) {
	if payloadJSON == "" {
		payloadJSON = "null"
	}
	now := s.now()
	tx, err := s.db.Begin()
	if err != nil {
		return EventRecord{}, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`INSERT INTO event_log (event, payload_json, created_at) VALUES (?, ?, ?)`,
		event, payloadJSON, now.Format(timeFormat))
	if err != nil {
		return EventRecord{}, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return EventRecord{}, err
	}
	if capacity > 0 {
		if _, err := tx.Exec(`DELETE FROM event_log WHERE seq <= ?`, seq-int64(capacity)); err != nil {
			return EventRecord{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return EventRecord{}, err
	}
	return EventRecord{Seq: seq, Event: event, PayloadJSON: payloadJSON, CreatedAt: now}, nil
}

// RecentEvents returns up to limit newest events, oldest first.
func (s *Store) RecentEvents(limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT seq, event, payload_json, created_at FROM (
			SELECT seq, event, payload_json, created_at FROM event_log ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []EventRecord{}
	for rows.Next() {
		var r EventRecord
		var createdAt string
		if err := rows.Scan(&r.Seq, &r.Event, &r.PayloadJSON, &createdAt); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// ClearEvents empties the event log.
func (s *Store) ClearEvents() error {
	_, err := s.db.Exec(`DELETE FROM event_log`)
	return err
}

// --- Activity log ---

func (s *Store) LogActivity(a Activity) (Activity, error) {
	now := s.now()
	res, err := s.db.Exec(`INSERT INTO activity_log (action, entity, entity_id, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.Action, a.Entity, a.EntityID, a.Detail, now.Format(timeFormat))
	if err != nil {
		return Activity{}, err
	}
	if a.Seq, err = res.LastInsertId(); err != nil {
		return Activity{}, err
	}
	a.CreatedAt = now
	return a, nil
}

// RecentActivity returns up to limit newest rows, newest first.
func (s *Store) RecentActivity(limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT seq, action, entity, entity_id, detail, created_at FROM activity_log ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []Activity{}
	for rows.Next() {
		var a Activity
		var createdAt string
		if err := rows.Scan(&a.Seq, &a.Action, &a.Entity, &a.EntityID, &a.Detail, &createdAt); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		results = append(results, a)
	}
	return results, rows.Err()
}
