package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB handles database operations
type DB struct {
	Db *sql.DB
}

// SessionRecord is one monitoring session of one process
type SessionRecord struct {
	ID        int64
	PID       int
	Comm      string
	ExePath   string
	Symbol    string
	StartTime time.Time
	EndTime   sql.NullTime
}

// FrameRecord is one frametime in the database
type FrameRecord struct {
	SessionID   int64
	PID         int
	TimestampNs uint64
	FrametimeNs int64
	Surface     uint64
	JankClass   string
}

// JankMatch is a frame that matched a jank rule
type JankMatch struct {
	ID           int64
	SessionID    int64
	PID          int
	RuleID       string
	RuleName     string
	Severity     string
	JankClass    string
	FrametimeNs  int64
	Timestamp    time.Time
	MatchDetails string
}

// SessionSummary aggregates the frames of a session
type SessionSummary struct {
	Session        SessionRecord
	Frames         int64
	AvgFrametimeNs float64
	MaxFrametimeNs int64
	JankFrames     int64
	BigJankFrames  int64
}

// AverageFPS derives the average frame rate of the session
func (s SessionSummary) AverageFPS() float64 {
	if s.AvgFrametimeNs <= 0 {
		return 0
	}
	return float64(time.Second) / s.AvgFrametimeNs
}

func NewDB(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	dbPath := filepath.Join(dataDir, "frame_analyzer.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %v", err)
	}

	if err := initSessionSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize session schema: %v", err)
	}

	if err := initFrameSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize frame schema: %v", err)
	}

	if err := initJankSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize jank schema: %v", err)
	}

	return &DB{Db: db}, nil
}

func initSessionSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		pid        INTEGER NOT NULL,
		comm       TEXT,
		exe_path   TEXT,
		symbol     TEXT,
		start_time DATETIME NOT NULL,
		end_time   DATETIME
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create sessions table: %v", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_sessions_pid ON sessions(pid);",
		"CREATE INDEX IF NOT EXISTS idx_sessions_start ON sessions(start_time);",
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %v", err)
		}
	}

	return nil
}

func initFrameSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS frames (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id   INTEGER NOT NULL REFERENCES sessions(id),
		pid          INTEGER NOT NULL,
		timestamp_ns INTEGER NOT NULL,  -- kernel monotonic clock
		frametime_ns INTEGER NOT NULL,
		surface      INTEGER,
		jank_class   TEXT NOT NULL
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create frames table: %v", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_frames_session ON frames(session_id);",
		"CREATE INDEX IF NOT EXISTS idx_frames_class ON frames(jank_class);",
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %v", err)
		}
	}

	return nil
}

func initJankSchema(db *sql.DB) error {
	schema := `
    CREATE TABLE IF NOT EXISTS jank_matches (
        id            INTEGER PRIMARY KEY AUTOINCREMENT,
        session_id    INTEGER,
        pid           INTEGER NOT NULL,
        rule_id       TEXT NOT NULL,
        rule_name     TEXT NOT NULL,
        severity      TEXT NOT NULL,
        jank_class    TEXT NOT NULL,
        frametime_ns  INTEGER NOT NULL,
        timestamp     DATETIME NOT NULL,
        match_details TEXT
    );

    CREATE INDEX IF NOT EXISTS idx_jank_matches_rule_id ON jank_matches(rule_id);
    CREATE INDEX IF NOT EXISTS idx_jank_matches_timestamp ON jank_matches(timestamp);`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create jank tables: %v", err)
	}

	return nil
}

// StartSession records that monitoring of a process began and returns the session id
func (db *DB) StartSession(s *SessionRecord) (int64, error) {
	res, err := db.Db.Exec(`
        INSERT INTO sessions (pid, comm, exe_path, symbol, start_time)
        VALUES (?, ?, ?, ?, ?)`,
		s.PID, s.Comm, s.ExePath, s.Symbol, s.StartTime)
	if err != nil {
		return 0, fmt.Errorf("failed to insert session: %v", err)
	}
	return res.LastInsertId()
}

// EndSession marks a session finished. Ending an ended session keeps the first end time.
func (db *DB) EndSession(id int64, endTime time.Time) error {
	_, err := db.Db.Exec(`
        UPDATE sessions
        SET end_time = ?
        WHERE id = ?
        AND end_time IS NULL`, endTime, id)
	return err
}

// InsertFrames stores a batch of frametimes in one transaction
func (db *DB) InsertFrames(frames []FrameRecord) error {
	if len(frames) == 0 {
		return nil
	}

	tx, err := db.Db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
        INSERT INTO frames (session_id, pid, timestamp_ns, frametime_ns, surface, jank_class)
        VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare frame insert: %v", err)
	}
	defer stmt.Close()

	for _, f := range frames {
		// sqlite integers are signed 64 bit
		if _, err := stmt.Exec(f.SessionID, f.PID, int64(f.TimestampNs), f.FrametimeNs, int64(f.Surface), f.JankClass); err != nil {
			return fmt.Errorf("failed to insert frame: %v", err)
		}
	}

	return tx.Commit()
}

// RecentFrames returns the newest frames of a session, newest first
func (db *DB) RecentFrames(sessionID int64, limit int) ([]FrameRecord, error) {
	rows, err := db.Db.Query(`
        SELECT session_id, pid, timestamp_ns, frametime_ns, surface, jank_class
        FROM frames
        WHERE session_id = ?
        ORDER BY id DESC
        LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames: %v", err)
	}
	defer rows.Close()

	var frames []FrameRecord
	for rows.Next() {
		var (
			f       FrameRecord
			ts      int64
			surface sql.NullInt64
		)
		if err := rows.Scan(&f.SessionID, &f.PID, &ts, &f.FrametimeNs, &surface, &f.JankClass); err != nil {
			return nil, fmt.Errorf("failed to scan frame: %v", err)
		}
		f.TimestampNs = uint64(ts)
		f.Surface = uint64(surface.Int64)
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// Sessions returns the newest sessions first
func (db *DB) Sessions(limit int) ([]SessionRecord, error) {
	rows, err := db.Db.Query(`
        SELECT id, pid, comm, exe_path, symbol, start_time, end_time
        FROM sessions
        ORDER BY id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %v", err)
	}
	defer rows.Close()

	var sessions []SessionRecord
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (SessionRecord, error) {
	var (
		s             SessionRecord
		comm, exePath sql.NullString
		symbol        sql.NullString
	)
	if err := row.Scan(&s.ID, &s.PID, &comm, &exePath, &symbol, &s.StartTime, &s.EndTime); err != nil {
		return SessionRecord{}, err
	}
	s.Comm = comm.String
	s.ExePath = exePath.String
	s.Symbol = symbol.String
	return s, nil
}

// SessionSummary aggregates the frames of one session
func (db *DB) SessionSummary(id int64) (*SessionSummary, error) {
	row := db.Db.QueryRow(`
        SELECT id, pid, comm, exe_path, symbol, start_time, end_time
        FROM sessions
        WHERE id = ?`, id)
	session, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %d: %w", id, err)
	}

	summary := &SessionSummary{Session: session}
	var (
		avg     sql.NullFloat64
		longest sql.NullInt64
	)
	err = db.Db.QueryRow(`
        SELECT COUNT(*),
               AVG(frametime_ns),
               MAX(frametime_ns),
               COALESCE(SUM(CASE WHEN jank_class = 'jank' THEN 1 ELSE 0 END), 0),
               COALESCE(SUM(CASE WHEN jank_class = 'big_jank' THEN 1 ELSE 0 END), 0)
        FROM frames
        WHERE session_id = ?`, id).Scan(&summary.Frames, &avg, &longest, &summary.JankFrames, &summary.BigJankFrames)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize session %d: %v", id, err)
	}
	summary.AvgFrametimeNs = avg.Float64
	summary.MaxFrametimeNs = longest.Int64

	return summary, nil
}

// InsertJankMatch stores a rule match and returns its id
func (db *DB) InsertJankMatch(m *JankMatch) (int64, error) {
	res, err := db.Db.Exec(`
        INSERT INTO jank_matches (
            session_id, pid, rule_id, rule_name, severity,
            jank_class, frametime_ns, timestamp, match_details
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.SessionID, m.PID, m.RuleID, m.RuleName, m.Severity,
		m.JankClass, m.FrametimeNs, m.Timestamp, m.MatchDetails)
	if err != nil {
		return 0, fmt.Errorf("failed to insert jank match: %v", err)
	}
	return res.LastInsertId()
}

// JankMatches returns the newest rule matches first
func (db *DB) JankMatches(limit int) ([]JankMatch, error) {
	rows, err := db.Db.Query(`
        SELECT id, session_id, pid, rule_id, rule_name, severity,
               jank_class, frametime_ns, timestamp, match_details
        FROM jank_matches
        ORDER BY id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query jank matches: %v", err)
	}
	defer rows.Close()

	var matches []JankMatch
	for rows.Next() {
		var (
			m         JankMatch
			sessionID sql.NullInt64
			details   sql.NullString
		)
		if err := rows.Scan(&m.ID, &sessionID, &m.PID, &m.RuleID, &m.RuleName, &m.Severity,
			&m.JankClass, &m.FrametimeNs, &m.Timestamp, &details); err != nil {
			return nil, fmt.Errorf("failed to scan jank match: %v", err)
		}
		m.SessionID = sessionID.Int64
		m.MatchDetails = details.String
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// Close closes the database
func (db *DB) Close() error {
	return db.Db.Close()
}
