package database

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"pairfinder/logging"
	"pairfinder/types"

	_ "github.com/mattn/go-sqlite3"
)

// InitDatabase initializes and returns a database connection
func InitDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; workers share a single connection
	db.SetMaxOpenConns(1)

	createTableSQL := `
	CREATE TABLE IF NOT EXISTS fingerprints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL,
		fingerprinter TEXT NOT NULL,
		format TEXT,
		width INTEGER,
		height INTEGER,
		created_at TEXT,
		modified_at TEXT,
		size INTEGER,
		kind TEXT,
		bits BLOB,
		vector BLOB,
		stats BLOB,
		UNIQUE(path, fingerprinter)
	);
	CREATE INDEX IF NOT EXISTS idx_fingerprints_path ON fingerprints(path);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		hq_root TEXT,
		lq_root TEXT,
		partial INTEGER NOT NULL DEFAULT 0,
		pairs INTEGER NOT NULL DEFAULT 0,
		orphans_hq INTEGER NOT NULL DEFAULT 0,
		orphans_lq INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS session_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		side TEXT NOT NULL,
		path TEXT NOT NULL,
		state TEXT NOT NULL,
		reason TEXT,
		detail TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_session_entries_session ON session_entries(session_id);`

	if _, err = db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, err
	}

	// Databases created before sessions recorded their roots lack these columns
	for _, column := range []string{"hq_root", "lq_root"} {
		if err := ensureColumn(db, "sessions", column, "TEXT"); err != nil {
			db.Close()
			return nil, err
		}
	}

	return db, nil
}

func ensureColumn(db *sql.DB, table, column, decl string) error {
	var hasColumn bool
	err := db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name=?", table), column).Scan(&hasColumn)
	if err != nil {
		return fmt.Errorf("error checking for %s column: %w", column, err)
	}
	if hasColumn {
		return nil
	}
	if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", table, column, decl)); err != nil {
		return fmt.Errorf("error adding %s column: %w", column, err)
	}
	logging.DebugLog("Added '%s' column to existing %s table", column, table)
	return nil
}

// OpenDatabase opens an existing database connection
func OpenDatabase(dbPath string) (*sql.DB, error) {
	return sql.Open("sqlite3", dbPath)
}

// CachedFingerprint is a stored fingerprint together with the file state it
// was computed from
type CachedFingerprint struct {
	Record     types.ImageRecord
	ModifiedAt time.Time
}

// Fresh reports whether the cached entry still describes a file of the given
// size and modification time
func (c CachedFingerprint) Fresh(size int64, modTime time.Time) bool {
	return c.Record.Size == size && !modTime.After(c.ModifiedAt)
}

// LookupFingerprint loads the cached fingerprint for path computed by
// fingerprinter. Missing entries report false without error.
func LookupFingerprint(db *sql.DB, path, fingerprinter string) (CachedFingerprint, bool, error) {
	var (
		cached              CachedFingerprint
		format, kind, mod   sql.NullString
		bits, vector, stats []byte
	)
	err := db.QueryRow(`
		SELECT format, width, height, modified_at, size, kind, bits, vector, stats
		FROM fingerprints WHERE path = ? AND fingerprinter = ?`, path, fingerprinter).Scan(
		&format, &cached.Record.Width, &cached.Record.Height, &mod, &cached.Record.Size,
		&kind, &bits, &vector, &stats)
	if errors.Is(err, sql.ErrNoRows) {
		return CachedFingerprint{}, false, nil
	}
	if err != nil {
		return CachedFingerprint{}, false, fmt.Errorf("database error for %s: %w", path, err)
	}

	modTime, err := time.Parse(time.RFC3339Nano, mod.String)
	if err != nil {
		return CachedFingerprint{}, false, fmt.Errorf("cannot parse stored time for %s: %w", path, err)
	}

	cached.Record.Path = path
	cached.Record.Format = format.String
	cached.Record.Fingerprint = types.Fingerprint{
		Kind:   types.FingerprintKind(kind.String),
		Bits:   decodeWords(bits),
		Vector: decodeFloats(vector),
		Stats:  decodeFloats(stats),
	}
	cached.ModifiedAt = modTime
	return cached, true, nil
}

// StoreFingerprint writes rec's fingerprint, replacing any previous entry for
// the same path and fingerprinter
func StoreFingerprint(db *sql.DB, fingerprinter string, rec types.ImageRecord, modTime time.Time) error {
	now := time.Now().Format(time.RFC3339)

	stmt, err := db.Prepare(`
		INSERT OR REPLACE INTO fingerprints (
			path, fingerprinter, format, width, height, created_at, modified_at, size, kind, bits, vector, stats
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("cannot prepare statement for %s: %w", rec.Path, err)
	}
	defer stmt.Close()

	_, err = stmt.Exec(
		rec.Path,
		fingerprinter,
		rec.Format,
		rec.Width,
		rec.Height,
		now,
		modTime.UTC().Format(time.RFC3339Nano),
		rec.Size,
		string(rec.Fingerprint.Kind),
		encodeWords(rec.Fingerprint.Bits),
		encodeFloats(rec.Fingerprint.Vector),
		encodeFloats(rec.Fingerprint.Stats),
	)
	if err != nil {
		return fmt.Errorf("cannot insert data for %s: %w", rec.Path, err)
	}
	return nil
}

// QueryFingerprints returns every cached record computed by fingerprinter,
// ordered by path
func QueryFingerprints(db *sql.DB, fingerprinter string) ([]types.ImageRecord, error) {
	rows, err := db.Query(`
		SELECT path, format, width, height, size, kind, bits, vector, stats
		FROM fingerprints WHERE fingerprinter = ? ORDER BY path`, fingerprinter)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []types.ImageRecord
	for rows.Next() {
		var (
			rec                 types.ImageRecord
			format, kind        sql.NullString
			bits, vector, stats []byte
		)
		if err := rows.Scan(&rec.Path, &format, &rec.Width, &rec.Height, &rec.Size, &kind, &bits, &vector, &stats); err != nil {
			return nil, err
		}
		rec.Format = format.String
		rec.Fingerprint = types.Fingerprint{
			Kind:   types.FingerprintKind(kind.String),
			Bits:   decodeWords(bits),
			Vector: decodeFloats(vector),
			Stats:  decodeFloats(stats),
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ScanStats contains statistics about cached fingerprints
type ScanStats struct {
	TotalImages   int
	Fingerprinter string
	Formats       map[string]int
}

// GetScanStats retrieves statistics about cached fingerprints for one backend
func GetScanStats(db *sql.DB, fingerprinter string) (*ScanStats, error) {
	stats := ScanStats{Fingerprinter: fingerprinter, Formats: make(map[string]int)}

	err := db.QueryRow("SELECT COUNT(*) FROM fingerprints WHERE fingerprinter = ?", fingerprinter).Scan(&stats.TotalImages)
	if err != nil {
		return nil, fmt.Errorf("failed to get total images: %w", err)
	}

	rows, err := db.Query("SELECT COALESCE(format, ''), COUNT(*) FROM fingerprints WHERE fingerprinter = ? GROUP BY format", fingerprinter)
	if err != nil {
		return nil, fmt.Errorf("failed to get formats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var format string
		var n int
		if err := rows.Scan(&format, &n); err != nil {
			return nil, err
		}
		stats.Formats[format] = n
	}
	return &stats, rows.Err()
}

// SessionSummary is one row of the session history
type SessionSummary struct {
	ID        string
	CreatedAt time.Time
	HQRoot    string
	LQRoot    string
	Partial   bool
	Pairs     int
	OrphansHQ int
	OrphansLQ int
}

// RecordSession stores the outcome of a pairing session and its action log
// in one transaction
func RecordSession(db *sql.DB, m types.PairingManifest) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO sessions (id, created_at, hq_root, lq_root, partial, pairs, orphans_hq, orphans_lq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.SessionID, m.CreatedAt.UTC().Format(time.RFC3339Nano), m.HQRoot, m.LQRoot,
		m.Partial, len(m.Pairs), len(m.OrphansHQ), len(m.OrphansLQ))
	if err != nil {
		return fmt.Errorf("insert session %s: %w", m.SessionID, err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO session_entries (session_id, side, path, state, reason, detail)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, a := range m.Actions {
		if _, err := stmt.Exec(m.SessionID, string(a.Side), a.Path, string(a.State), a.Reason, a.Detail); err != nil {
			return fmt.Errorf("insert action for %s: %w", a.Path, err)
		}
	}
	return tx.Commit()
}

// ListSessions returns the most recent sessions first
func ListSessions(db *sql.DB, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(`
		SELECT id, created_at, COALESCE(hq_root, ''), COALESCE(lq_root, ''), partial, pairs, orphans_hq, orphans_lq
		FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var s SessionSummary
		var created string
		if err := rows.Scan(&s.ID, &created, &s.HQRoot, &s.LQRoot, &s.Partial, &s.Pairs, &s.OrphansHQ, &s.OrphansLQ); err != nil {
			return nil, err
		}
		if s.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("session %s: %w", s.ID, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SessionActions returns the stored action log of one session
func SessionActions(db *sql.DB, sessionID string) ([]types.ActionEntry, error) {
	rows, err := db.Query(`
		SELECT side, path, state, COALESCE(reason, ''), COALESCE(detail, '')
		FROM session_entries WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ActionEntry
	for rows.Next() {
		var a types.ActionEntry
		var side, state string
		if err := rows.Scan(&side, &a.Path, &state, &a.Reason, &a.Detail); err != nil {
			return nil, err
		}
		a.Side = types.Side(side)
		a.State = types.TerminalState(state)
		out = append(out, a)
	}
	return out, rows.Err()
}

func encodeWords(words []uint64) []byte {
	if len(words) == 0 {
		return nil
	}
	buf := make([]byte, 0, 8*len(words))
	for _, w := range words {
		buf = binary.LittleEndian.AppendUint64(buf, w)
	}
	return buf
}

func decodeWords(buf []byte) []uint64 {
	if len(buf) < 8 {
		return nil
	}
	out := make([]uint64, len(buf)/8)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	return out
}

func encodeFloats(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 0, 4*len(v))
	for _, f := range v {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}
	return buf
}

func decodeFloats(buf []byte) []float32 {
	if len(buf) < 4 {
		return nil
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}
