package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowpbx/agentphone/internal/backend"
	"github.com/flowpbx/agentphone/internal/database/models"
)

const historyColumns = `id, session_id, direction, destination, region, country,
	 campaign, username, extension, start_time, answer_time, end_time, duration,
	 sip_status, sip_reason, hangup_cause, disposition, remarks, recording_file,
	 remote_recording_file, uploaded, archived_at`

// historyRepo implements CallHistoryRepository.
type historyRepo struct {
	db *DB
}

// NewCallHistoryRepository creates a new CallHistoryRepository.
func NewCallHistoryRepository(db *DB) CallHistoryRepository {
	return &historyRepo{db: db}
}

// Archive records a finished session. Archiving the same session again
// replaces the earlier row, so a retried archive after a late upload result
// leaves one entry.
func (r *historyRepo) Archive(ctx context.Context, rec backend.CallRecord, uploaded bool) error {
	var duration *int
	if d, ok := rec.Duration(); ok {
		duration = &d
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO call_history (session_id, direction, destination, region,
		 country, campaign, username, extension, start_time, answer_time,
		 end_time, duration, sip_status, sip_reason, hangup_cause, disposition,
		 remarks, recording_file, remote_recording_file, uploaded)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		 disposition = excluded.disposition, remarks = excluded.remarks,
		 recording_file = excluded.recording_file,
		 remote_recording_file = excluded.remote_recording_file,
		 uploaded = excluded.uploaded, archived_at = datetime('now')`,
		rec.SessionID, rec.Direction, rec.Destination, rec.Region, rec.Country,
		rec.Campaign, rec.Username, rec.Extension, rec.StartTime.UTC(),
		answerTimeUTC(rec), rec.EndTime.UTC(), duration, rec.SIPStatus, rec.SIPReason,
		rec.HangupCause, rec.Disposition, rec.Remarks, rec.RecordingPath,
		rec.RemoteRecordingPath, uploaded,
	)
	if err != nil {
		return fmt.Errorf("archiving session %s: %w", rec.SessionID, err)
	}
	return nil
}

func answerTimeUTC(rec backend.CallRecord) any {
	if rec.AnswerTime == nil {
		return nil
	}
	return rec.AnswerTime.UTC()
}

// GetBySessionID returns the archived session, or nil if there is none.
func (r *historyRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.CallHistory, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+historyColumns+` FROM call_history WHERE session_id = ?`, sessionID)
	var h models.CallHistory
	err := scanHistory(row, &h)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call history: %w", err)
	}
	return &h, nil
}

// List returns archived sessions matching the filter, along with the total
// count.
func (r *historyRepo) List(ctx context.Context, filter HistoryFilter) ([]models.CallHistory, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Direction != "" {
		where += " AND direction = ?"
		args = append(args, filter.Direction)
	}
	if filter.Campaign != "" {
		where += " AND campaign = ?"
		args = append(args, filter.Campaign)
	}
	if filter.Disposition != "" {
		where += " AND disposition = ?"
		args = append(args, filter.Disposition)
	}
	if filter.Search != "" {
		where += " AND (destination LIKE ? OR remarks LIKE ?)"
		s := "%" + filter.Search + "%"
		args = append(args, s, s)
	}
	if filter.StartDate != "" {
		where += " AND start_time >= ?"
		args = append(args, filter.StartDate)
	}
	if filter.EndDate != "" {
		where += " AND start_time <= ?"
		args = append(args, filter.EndDate)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM call_history WHERE " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call history: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + historyColumns + ` FROM call_history WHERE ` + where +
		` ORDER BY start_time DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call history: %w", err)
	}
	defer rows.Close()

	var out []models.CallHistory
	for rows.Next() {
		var h models.CallHistory
		if err := scanHistory(rows, &h); err != nil {
			return nil, 0, fmt.Errorf("scanning call history row: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating call history rows: %w", err)
	}

	return out, total, nil
}

// CountByDisposition returns the number of archived sessions per
// disposition label.
func (r *historyRepo) CountByDisposition(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT disposition, COUNT(*) FROM call_history GROUP BY disposition`)
	if err != nil {
		return nil, fmt.Errorf("counting call history by disposition: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var label string
		var n int64
		if err := rows.Scan(&label, &n); err != nil {
			return nil, fmt.Errorf("scanning disposition count: %w", err)
		}
		counts[label] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating disposition counts: %w", err)
	}
	return counts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHistory(s scanner, h *models.CallHistory) error {
	return s.Scan(&h.ID, &h.SessionID, &h.Direction, &h.Destination, &h.Region,
		&h.Country, &h.Campaign, &h.Username, &h.Extension, &h.StartTime,
		&h.AnswerTime, &h.EndTime, &h.Duration, &h.SIPStatus, &h.SIPReason,
		&h.HangupCause, &h.Disposition, &h.Remarks, &h.RecordingFile,
		&h.RemoteRecordingFile, &h.Uploaded, &h.ArchivedAt)
}

// ClearUploadedRecordings clears the recording paths of uploaded sessions
// that started before the cutoff and returns the cleared paths so callers
// can remove the files. Sessions whose upload failed keep their recordings,
// since the local copy is the only one.
func (r *historyRepo) ClearUploadedRecordings(ctx context.Context, before time.Time) ([]string, error) {
	const match = `uploaded = 1 AND start_time < ?
		 AND (recording_file != '' OR remote_recording_file != '')`

	rows, err := r.db.QueryContext(ctx,
		`SELECT recording_file, remote_recording_file FROM call_history WHERE `+match, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying expired recordings: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var mixed, remote string
		if err := rows.Scan(&mixed, &remote); err != nil {
			return nil, fmt.Errorf("scanning expired recording paths: %w", err)
		}
		for _, p := range []string{mixed, remote} {
			if p != "" {
				paths = append(paths, p)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating expired recording rows: %w", err)
	}

	if len(paths) == 0 {
		return nil, nil
	}

	// Keep the history row, only forget the files.
	_, err = r.db.ExecContext(ctx,
		`UPDATE call_history SET recording_file = '', remote_recording_file = ''
		 WHERE `+match, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("clearing expired recording paths: %w", err)
	}

	return paths, nil
}
