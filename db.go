package main

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ownedTables is the closed set of collections the ownership gate may
// query. Route wiring outside this set is a configuration bug; the
// table name is never taken from request input.
var ownedTables = map[string]bool{
	"readings": true,
}

// DB interface for database operations
type DB interface {
	Init() error
	// User operations
	FindUserByID(ctx context.Context, id string) (*User, error)
	CreateUser(ctx context.Context, u *User) error
	TouchLastLogin(ctx context.Context, id string) error
	// Session operations
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	DeleteSession(ctx context.Context, id string) error
	// Reading operations
	CreateReading(ctx context.Context, r *Reading) (int64, error)
	ListReadings(ctx context.Context, userID string) ([]*Reading, error)
	UpdateReading(ctx context.Context, id int64, day, night *float64, date *string) error
	DeleteReading(ctx context.Context, id int64) error
	// Ownership
	CheckOwnership(ctx context.Context, table string, id int64, userID string) (bool, error)
}

// Memory DB
type MemDB struct {
	mu       sync.Mutex
	users    map[string]*User
	sessions map[string]*Session
	readings map[int64]*Reading
	seq      int64
}

func NewMemoryDB() *MemDB {
	return &MemDB{
		users:    map[string]*User{},
		sessions: map[string]*Session{},
		readings: map[int64]*Reading{},
		seq:      1,
	}
}

func (m *MemDB) Init() error { return nil }

func (m *MemDB) FindUserByID(ctx context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (m *MemDB) CreateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; ok {
		return ErrDuplicate
	}
	cp := *u
	now := time.Now()
	cp.CreatedAt = now
	cp.LastLogin = now
	m.users[u.ID] = &cp
	return nil
}

func (m *MemDB) TouchLastLogin(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.LastLogin = time.Now()
	}
	return nil
}

func (m *MemDB) CreateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemDB) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (m *MemDB) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemDB) CreateReading(ctx context.Context, r *Reading) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.seq
	m.seq++
	cp := *r
	cp.ID = id
	m.readings[id] = &cp
	return id, nil
}

func (m *MemDB) ListReadings(ctx context.Context, userID string) ([]*Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Reading
	for _, r := range m.readings {
		if r.UserID == userID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out, nil
}

func (m *MemDB) UpdateReading(ctx context.Context, id int64, day, night *float64, date *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.readings[id]
	if !ok {
		return sql.ErrNoRows
	}
	if day != nil {
		r.Day = *day
	}
	if night != nil {
		r.Night = *night
	}
	if date != nil {
		r.Date = *date
	}
	return nil
}

func (m *MemDB) DeleteReading(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.readings, id)
	return nil
}

func (m *MemDB) CheckOwnership(ctx context.Context, table string, id int64, userID string) (bool, error) {
	if !ownedTables[table] {
		return false, fmt.Errorf("unknown collection: %s", table)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.readings[id]
	return ok && r.UserID == userID, nil
}

// SQLite DB
type SQLiteDB struct {
	db   *sql.DB
	path string
}

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &SQLiteDB{db: d, path: path}
	if err := s.Init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) Init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (id TEXT PRIMARY KEY, email TEXT, name TEXT, picture TEXT, provider TEXT, created_at INTEGER, last_login INTEGER);`,
		`CREATE TABLE IF NOT EXISTS sessions (id TEXT PRIMARY KEY, user_id TEXT, email TEXT, name TEXT, expires_at INTEGER, created_at INTEGER);`,
		`CREATE TABLE IF NOT EXISTS readings (id INTEGER PRIMARY KEY AUTOINCREMENT, user_id TEXT, day REAL, night REAL, date TEXT);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func isUniqueViolationSQLite(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteDB) FindUserByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,email,name,picture,provider,created_at,last_login FROM users WHERE id = ?`, id)
	var u User
	var created, lastLogin int64
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Picture, &u.Provider, &created, &lastLogin); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	u.CreatedAt = time.Unix(created, 0)
	u.LastLogin = time.Unix(lastLogin, 0)
	return &u, nil
}

func (s *SQLiteDB) CreateUser(ctx context.Context, u *User) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `INSERT INTO users(id,email,name,picture,provider,created_at,last_login) VALUES(?,?,?,?,?,?,?)`,
		u.ID, u.Email, u.Name, u.Picture, u.Provider, now, now)
	if isUniqueViolationSQLite(err) {
		return ErrDuplicate
	}
	return err
}

func (s *SQLiteDB) TouchLastLogin(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE id = ?`, time.Now().Unix(), id)
	return err
}

func (s *SQLiteDB) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions(id,user_id,email,name,expires_at,created_at) VALUES(?,?,?,?,?,?)`,
		sess.ID, sess.UserID, sess.Email, sess.Name, sess.ExpiresAt.Unix(), sess.CreatedAt.Unix())
	return err
}

func (s *SQLiteDB) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,user_id,email,name,expires_at,created_at FROM sessions WHERE id = ?`, id)
	var sess Session
	var expires, created int64
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Email, &sess.Name, &expires, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	sess.ExpiresAt = time.Unix(expires, 0)
	sess.CreatedAt = time.Unix(created, 0)
	return &sess, nil
}

func (s *SQLiteDB) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func (s *SQLiteDB) CreateReading(ctx context.Context, r *Reading) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO readings(user_id,day,night,date) VALUES(?,?,?,?)`,
		r.UserID, r.Day, r.Night, r.Date)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteDB) ListReadings(ctx context.Context, userID string) ([]*Reading, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id,user_id,day,night,date FROM readings WHERE user_id = ? ORDER BY date DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Reading
	for rows.Next() {
		var r Reading
		if err := rows.Scan(&r.ID, &r.UserID, &r.Day, &r.Night, &r.Date); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) UpdateReading(ctx context.Context, id int64, day, night *float64, date *string) error {
	set, args := buildReadingUpdate(day, night, date, "?")
	if set == "" {
		return nil
	}
	args = append(args, id)
	_, err := s.db.ExecContext(ctx, `UPDATE readings SET `+set+` WHERE id = ?`, args...)
	return err
}

func (s *SQLiteDB) DeleteReading(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM readings WHERE id = ?`, id)
	return err
}

func (s *SQLiteDB) CheckOwnership(ctx context.Context, table string, id int64, userID string) (bool, error) {
	if !ownedTables[table] {
		return false, fmt.Errorf("unknown collection: %s", table)
	}
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ? AND user_id = ?`, id, userID)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// buildReadingUpdate assembles the SET clause for a partial update.
// placeholder is "?" for sqlite; postgres numbers its own.
func buildReadingUpdate(day, night *float64, date *string, placeholder string) (string, []interface{}) {
	var fields []string
	var args []interface{}
	if day != nil {
		fields = append(fields, "day = "+placeholder)
		args = append(args, *day)
	}
	if night != nil {
		fields = append(fields, "night = "+placeholder)
		args = append(args, *night)
	}
	if date != nil {
		fields = append(fields, "date = "+placeholder)
		args = append(args, *date)
	}
	return strings.Join(fields, ", "), args
}

// lifecycle helpers
func (m *MemDB) close() error { return nil }
func (m *MemDB) ping() bool   { return true }

func (s *SQLiteDB) close() error { return s.db.Close() }
func (s *SQLiteDB) ping() bool   { return s.db.Ping() == nil }
