/*
Copyright 2024 NMP Labs

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package storage persists brokered sessions, bind accounts and
// pairing records in MySQL.
package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/gravitational/trace"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	// MySQL driver registers itself with database/sql
	_ "github.com/go-sql-driver/mysql"

	"github.com/nmplabs/bnode"
)

// Cookie is one stored session cookie. A user may hold cookies minted
// on different nodes; user_id plus username is the natural key.
type Cookie struct {
	UserID      string       `db:"user_id"`
	Username    string       `db:"username"`
	NodeID      string       `db:"node_id"`
	Cookie      string       `db:"cookie"`
	AutoRefresh bool         `db:"auto_refresh"`
	RefreshTime sql.NullTime `db:"refresh_time"`
	CreateTime  time.Time    `db:"create_time"`
}

// Account is one stored credential set for the upstream site.
type Account struct {
	UserID             string    `db:"user_id"`
	Username           string    `db:"username"`
	Website            string    `db:"website"`
	Account            string    `db:"account"`
	Password           string    `db:"password"`
	Email              string    `db:"email"`
	RegistrationMethod string    `db:"registration_method"`
	AutoGenerated      bool      `db:"auto_generated"`
	LoggedOut          bool      `db:"logged_out"`
	CreateTime         time.Time `db:"create_time"`
}

// PairingRecord links a minted pairing code to the account and
// placement it belongs to. One record per user; reissue overwrites.
type PairingRecord struct {
	UserID     string    `db:"nmp_user_id"`
	Username   string    `db:"nmp_username"`
	DomainID   string    `db:"domain_id"`
	ClusterID  string    `db:"cluster_id"`
	ChannelID  string    `db:"channel_id"`
	Code       string    `db:"security_code"`
	CreateTime time.Time `db:"create_time"`
	UpdateTime time.Time `db:"update_time"`
}

// Config holds storage backend parameters.
type Config struct {
	// DSN is a go-sql-driver/mysql data source name
	DSN string
	// MaxOpenConns caps the pool, 0 keeps the driver default
	MaxOpenConns int
	// Clock is used for record timestamps
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.DSN == "" {
		return trace.BadParameter("missing parameter DSN")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Storage is the MySQL-backed store.
type Storage struct {
	cfg Config
	db  *sqlx.DB
	log *log.Entry
}

// New opens the database and ensures the schema exists.
func New(ctx context.Context, cfg Config) (*Storage, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	db, err := sqlx.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, trace.ConnectionProblem(err, "database is not reachable")
	}
	s := &Storage{
		cfg: cfg,
		db:  db,
		log: log.WithFields(log.Fields{
			trace.Component: bnode.ComponentStorage,
		}),
	}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) ensureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// UpsertCookie stores a cookie, replacing any previous cookie held by
// the same user and username.
func (s *Storage) UpsertCookie(ctx context.Context, c Cookie) error {
	if c.UserID == "" || c.Username == "" {
		return trace.BadParameter("cookie requires user_id and username")
	}
	now := s.cfg.Clock.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_cookies (user_id, username, node_id, cookie, auto_refresh, refresh_time, create_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE node_id = VALUES(node_id), cookie = VALUES(cookie),
			auto_refresh = VALUES(auto_refresh), refresh_time = VALUES(refresh_time)`,
		c.UserID, c.Username, c.NodeID, c.Cookie, c.AutoRefresh, now, now)
	if err != nil {
		return trace.Wrap(err)
	}
	s.log.WithFields(log.Fields{"user_id": c.UserID, "node_id": c.NodeID}).Debug("Stored cookie.")
	return nil
}

// GetCookie returns the most recently refreshed cookie for a user.
func (s *Storage) GetCookie(ctx context.Context, userID string) (*Cookie, error) {
	var c Cookie
	err := s.db.GetContext(ctx, &c, `
		SELECT user_id, username, node_id, cookie, auto_refresh, refresh_time, create_time
		FROM user_cookies WHERE user_id = ?
		ORDER BY refresh_time DESC LIMIT 1`, userID)
	if err == sql.ErrNoRows {
		return nil, trace.NotFound("no cookie stored for user %q", userID)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &c, nil
}

// DeleteCookies removes all cookies held by a user.
func (s *Storage) DeleteCookies(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_cookies WHERE user_id = ?`, userID)
	return trace.Wrap(err)
}

// UpsertAccount stores a credential set for the upstream site.
func (s *Storage) UpsertAccount(ctx context.Context, a Account) error {
	if a.UserID == "" || a.Username == "" {
		return trace.BadParameter("account requires user_id and username")
	}
	if a.Website == "" {
		a.Website = "nsn"
	}
	if a.Account == "" {
		a.Account = a.Username
	}
	if a.RegistrationMethod == "" {
		a.RegistrationMethod = "manual"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_accounts (user_id, username, website, account, password, email,
			registration_method, auto_generated, logged_out, create_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE password = VALUES(password), email = VALUES(email),
			registration_method = VALUES(registration_method),
			auto_generated = VALUES(auto_generated), logged_out = VALUES(logged_out)`,
		a.UserID, a.Username, a.Website, a.Account, a.Password, a.Email,
		a.RegistrationMethod, a.AutoGenerated, a.LoggedOut, s.cfg.Clock.Now().UTC())
	return trace.Wrap(err)
}

// GetAccount returns the stored upstream credentials for a user.
func (s *Storage) GetAccount(ctx context.Context, userID string) (*Account, error) {
	var a Account
	err := s.db.GetContext(ctx, &a, `
		SELECT user_id, username, website, account, password, email,
			registration_method, auto_generated, logged_out, create_time
		FROM user_accounts WHERE user_id = ? AND website = 'nsn' LIMIT 1`, userID)
	if err == sql.ErrNoRows {
		return nil, trace.NotFound("no account stored for user %q", userID)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &a, nil
}

// SetLoggedOut flips the logout flag that suppresses automatic login.
func (s *Storage) SetLoggedOut(ctx context.Context, userID string, loggedOut bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_accounts SET logged_out = ? WHERE user_id = ?`, loggedOut, userID)
	return trace.Wrap(err)
}

// UpsertPairingRecord stores a pairing record, replacing any earlier
// code minted for the same user.
func (s *Storage) UpsertPairingRecord(ctx context.Context, r PairingRecord) error {
	if r.UserID == "" || r.Code == "" {
		return trace.BadParameter("pairing record requires nmp_user_id and security_code")
	}
	now := s.cfg.Clock.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_security_codes (nmp_user_id, nmp_username, domain_id, cluster_id,
			channel_id, security_code, create_time, update_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE nmp_username = VALUES(nmp_username),
			domain_id = VALUES(domain_id), cluster_id = VALUES(cluster_id),
			channel_id = VALUES(channel_id), security_code = VALUES(security_code),
			update_time = VALUES(update_time)`,
		r.UserID, r.Username, r.DomainID, r.ClusterID, r.ChannelID, r.Code, now, now)
	return trace.Wrap(err)
}

// GetPairingRecordByCode looks a pairing record up by its code. Used
// during registration to detect a new device signing in with a code in
// place of a username.
func (s *Storage) GetPairingRecordByCode(ctx context.Context, code string) (*PairingRecord, error) {
	var r PairingRecord
	err := s.db.GetContext(ctx, &r, `
		SELECT nmp_user_id, nmp_username, domain_id, cluster_id, channel_id,
			security_code, create_time, update_time
		FROM user_security_codes WHERE security_code = ? LIMIT 1`, code)
	if err == sql.ErrNoRows {
		return nil, trace.NotFound("no pairing record for code")
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &r, nil
}

// DeletePairingRecord removes a redeemed or expired code.
func (s *Storage) DeletePairingRecord(ctx context.Context, code string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM user_security_codes WHERE security_code = ?`, code)
	return trace.Wrap(err)
}

// DeleteExpiredPairingRecords removes codes minted before the cutoff
// and returns how many were deleted.
func (s *Storage) DeleteExpiredPairingRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_security_codes WHERE create_time < ?`, cutoff.UTC())
	if err != nil {
		return 0, trace.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return n, nil
}
