// Package history persists presets, saved accounts, run outcomes and
// app settings in a local sqlite database.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"quickdoctor/lib/cookiestore"
	"quickdoctor/lib/grabber"
	"quickdoctor/lib/timezone"

	"go.opentelemetry.io/otel"

	_ "embed"
	_ "modernc.org/sqlite"
)

var tracer = otel.Tracer("history")

//go:embed schema.sql
var Schema string

type Store struct {
	db *sql.DB
}

// Open creates (or opens) the database at path and applies the schema.
// ":memory:" works for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	return NewStore(db)
}

func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func now() string {
	return timezone.Now().Format(time.RFC3339)
}

type PresetInfo struct {
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// SavePreset upserts a named run configuration.
func (s *Store) SavePreset(ctx context.Context, name string, config grabber.Config) error {
	ctx, span := tracer.Start(ctx, "store:SavePreset")
	defer span.End()

	encoded, err := json.Marshal(config)
	if err != nil {
		return err
	}
	ts := now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO presets (name, config, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET config = excluded.config, updated_at = excluded.updated_at
	`, name, string(encoded), ts, ts)
	return err
}

func (s *Store) LoadPreset(ctx context.Context, name string) (*grabber.Config, error) {
	ctx, span := tracer.Start(ctx, "store:LoadPreset")
	defer span.End()

	var encoded string
	err := s.db.QueryRowContext(ctx, `SELECT config FROM presets WHERE name = ?`, name).Scan(&encoded)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var config grabber.Config
	if err := json.Unmarshal([]byte(encoded), &config); err != nil {
		return nil, fmt.Errorf("preset %q: %w", name, err)
	}
	return &config, nil
}

func (s *Store) ListPresets(ctx context.Context) ([]PresetInfo, error) {
	ctx, span := tracer.Start(ctx, "store:ListPresets")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, created_at, updated_at FROM presets ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PresetInfo
	for rows.Next() {
		var info PresetInfo
		if err := rows.Scan(&info.Name, &info.CreatedAt, &info.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *Store) DeletePreset(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "store:DeletePreset")
	defer span.End()

	_, err := s.db.ExecContext(ctx, `DELETE FROM presets WHERE name = ?`, name)
	return err
}

type AccountInfo struct {
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
	LastLogin string `json:"last_login"`
}

// SaveAccount stores a named cookie session. Marking one account
// default clears the flag on every other account.
func (s *Store) SaveAccount(ctx context.Context, name string, records []cookiestore.Record, isDefault bool) error {
	ctx, span := tracer.Start(ctx, "store:SaveAccount")
	defer span.End()

	encoded, err := json.Marshal(records)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if isDefault {
		if _, err := tx.ExecContext(ctx, `UPDATE accounts SET is_default = 0`); err != nil {
			return err
		}
	}
	ts := now()
	flag := 0
	if isDefault {
		flag = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (name, cookies, is_default, last_login, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			cookies = excluded.cookies,
			is_default = excluded.is_default,
			last_login = excluded.last_login
	`, name, string(encoded), flag, ts, ts)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) LoadAccount(ctx context.Context, name string) ([]cookiestore.Record, error) {
	ctx, span := tracer.Start(ctx, "store:LoadAccount")
	defer span.End()

	var encoded string
	err := s.db.QueryRowContext(ctx, `SELECT cookies FROM accounts WHERE name = ?`, name).Scan(&encoded)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var records []cookiestore.Record
	if err := json.Unmarshal([]byte(encoded), &records); err != nil {
		return nil, fmt.Errorf("account %q: %w", name, err)
	}
	return records, nil
}

// DefaultAccount returns the cookies of the account flagged default,
// or "" and nil records when no account is flagged.
func (s *Store) DefaultAccount(ctx context.Context) (string, []cookiestore.Record, error) {
	ctx, span := tracer.Start(ctx, "store:DefaultAccount")
	defer span.End()

	var name, encoded string
	err := s.db.QueryRowContext(ctx, `SELECT name, cookies FROM accounts WHERE is_default = 1`).Scan(&name, &encoded)
	if err == sql.ErrNoRows {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	var records []cookiestore.Record
	if err := json.Unmarshal([]byte(encoded), &records); err != nil {
		return "", nil, fmt.Errorf("account %q: %w", name, err)
	}
	return name, records, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]AccountInfo, error) {
	ctx, span := tracer.Start(ctx, "store:ListAccounts")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, is_default, last_login FROM accounts ORDER BY is_default DESC, name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AccountInfo
	for rows.Next() {
		var info AccountInfo
		var flag int
		if err := rows.Scan(&info.Name, &flag, &info.LastLogin); err != nil {
			return nil, err
		}
		info.IsDefault = flag == 1
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *Store) DeleteAccount(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "store:DeleteAccount")
	defer span.End()

	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE name = ?`, name)
	return err
}

// GrabRecord is one finished run, success or not.
type GrabRecord struct {
	ID         int64  `json:"id"`
	MemberName string `json:"member_name"`
	UnitName   string `json:"unit_name"`
	DepName    string `json:"dep_name"`
	DoctorName string `json:"doctor_name"`
	GrabDate   string `json:"grab_date"`
	TimeSlot   string `json:"time_slot"`
	Status     string `json:"status"`
	Result     string `json:"result"`
	CreatedAt  string `json:"created_at"`
}

func (s *Store) RecordGrab(ctx context.Context, rec GrabRecord) error {
	ctx, span := tracer.Start(ctx, "store:RecordGrab")
	defer span.End()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO history (member_name, unit_name, dep_name, doctor_name, grab_date, time_slot, status, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.MemberName, rec.UnitName, rec.DepName, rec.DoctorName, rec.GrabDate, rec.TimeSlot, rec.Status, rec.Result, now())
	return err
}

// History returns the most recent runs, newest first. limit <= 0 means 50.
func (s *Store) History(ctx context.Context, limit int) ([]GrabRecord, error) {
	ctx, span := tracer.Start(ctx, "store:History")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, member_name, unit_name, dep_name, doctor_name, grab_date, time_slot, status, result, created_at
		FROM history ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GrabRecord
	for rows.Next() {
		var rec GrabRecord
		var memberName, unitName, depName, doctorName, grabDate, timeSlot, result sql.NullString
		if err := rows.Scan(&rec.ID, &memberName, &unitName, &depName, &doctorName, &grabDate, &timeSlot, &rec.Status, &result, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.MemberName = memberName.String
		rec.UnitName = unitName.String
		rec.DepName = depName.String
		rec.DoctorName = doctorName.String
		rec.GrabDate = grabDate.String
		rec.TimeSlot = timeSlot.String
		rec.Result = result.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) SuccessCount(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "store:SuccessCount")
	defer span.End()

	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history WHERE status = 'success'`).Scan(&count)
	return count, err
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	ctx, span := tracer.Start(ctx, "store:SetSetting")
	defer span.End()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now())
	return err
}

// GetSetting returns the stored value, or fallback when the key is
// absent.
func (s *Store) GetSetting(ctx context.Context, key, fallback string) (string, error) {
	ctx, span := tracer.Start(ctx, "store:GetSetting")
	defer span.End()

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
