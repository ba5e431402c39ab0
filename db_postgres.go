package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

type PostgresDB struct {
	db  *sql.DB
	dsn string
}

func NewPostgresDB(dsn string) (*PostgresDB, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := &PostgresDB{db: d, dsn: dsn}
	if err := p.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresDB) Init() error {
	// rely on migrations to create tables; just verify connectivity
	if err := p.db.Ping(); err != nil {
		return err
	}
	return nil
}

func isUniqueViolationPg(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresDB) FindUserByID(ctx context.Context, id string) (*User, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id,email,name,picture,provider,created_at,last_login FROM users WHERE id = $1`, id)
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Picture, &u.Provider, &u.CreatedAt, &u.LastLogin); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func (p *PostgresDB) CreateUser(ctx context.Context, u *User) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO users(id,email,name,picture,provider,created_at,last_login) VALUES($1,$2,$3,$4,$5,now(),now())`,
		u.ID, u.Email, u.Name, u.Picture, u.Provider)
	if isUniqueViolationPg(err) {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresDB) TouchLastLogin(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE users SET last_login = now() WHERE id = $1`, id)
	return err
}

func (p *PostgresDB) CreateSession(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO sessions(id,user_id,email,name,expires_at,created_at) VALUES($1,$2,$3,$4,$5,$6)`,
		s.ID, s.UserID, s.Email, s.Name, s.ExpiresAt, s.CreatedAt)
	return err
}

func (p *PostgresDB) GetSession(ctx context.Context, id string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id,user_id,email,name,expires_at,created_at FROM sessions WHERE id = $1`, id)
	var s Session
	if err := row.Scan(&s.ID, &s.UserID, &s.Email, &s.Name, &s.ExpiresAt, &s.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (p *PostgresDB) DeleteSession(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

func (p *PostgresDB) CreateReading(ctx context.Context, r *Reading) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO readings(user_id,day,night,date) VALUES($1,$2,$3,$4) RETURNING id`,
		r.UserID, r.Day, r.Night, r.Date).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (p *PostgresDB) ListReadings(ctx context.Context, userID string) ([]*Reading, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id,user_id,day,night,date FROM readings WHERE user_id = $1 ORDER BY date DESC`, userID)
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

func (p *PostgresDB) UpdateReading(ctx context.Context, id int64, day, night *float64, date *string) error {
	var fields []string
	var args []interface{}
	add := func(col string, v interface{}) {
		args = append(args, v)
		fields = append(fields, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if day != nil {
		add("day", *day)
	}
	if night != nil {
		add("night", *night)
	}
	if date != nil {
		add("date", *date)
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	q := fmt.Sprintf(`UPDATE readings SET %s WHERE id = $%d`, strings.Join(fields, ", "), len(args))
	_, err := p.db.ExecContext(ctx, q, args...)
	return err
}

func (p *PostgresDB) DeleteReading(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM readings WHERE id = $1`, id)
	return err
}

func (p *PostgresDB) CheckOwnership(ctx context.Context, table string, id int64, userID string) (bool, error) {
	if !ownedTables[table] {
		return false, fmt.Errorf("unknown collection: %s", table)
	}
	row := p.db.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = $1 AND user_id = $2`, id, userID)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DeleteExpiredSessions removes sessions past their absolute expiry.
// Run periodically; expiry is also enforced at authentication time.
func (p *PostgresDB) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < $1`, time.Now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *PostgresDB) close() error { return p.db.Close() }
func (p *PostgresDB) ping() bool   { return p.db.Ping() == nil }
