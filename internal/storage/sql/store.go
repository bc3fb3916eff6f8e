package sql

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bcnelson/fellowship/internal/domain"
	"github.com/bcnelson/fellowship/internal/storage"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// isUniqueViolation checks if an error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// SQLite
	if strings.Contains(errStr, "UNIQUE constraint failed") {
		return true
	}
	// PostgreSQL (lib/pq and pgx)
	if strings.Contains(errStr, "duplicate key value violates unique constraint") {
		return true
	}
	return false
}

// wrapUniqueError converts UNIQUE violations to domain.ErrAlreadyExists.
func wrapUniqueError(err error) error {
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	return err
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

// gooseDialect maps a database/sql driver name to its goose dialect.
func gooseDialect(driver string) string {
	switch driver {
	case "pgx", "postgres":
		return "postgres"
	}
	return driver
}

// Store implements the storage.Storage interface using SQL.
type Store struct {
	db     *sqlx.DB
	driver string
}

var _ storage.Storage = (*Store)(nil)

// New creates a new SQL store and applies pending migrations.
// Supported drivers are sqlite3, postgres (lib/pq) and pgx.
func New(driver, dsn string, opts ...Option) (*Store, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if driver == "sqlite3" {
		// SQLite allows a single writer; serialize through one connection.
		db.SetMaxOpenConns(1)
	}

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(migrationLogger(o.logger))
	if err := goose.SetDialect(gooseDialect(driver)); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, driver: driver}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// BeginTx starts a new transaction.
func (s *Store) BeginTx(ctx context.Context) (storage.Transaction, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, driver: s.driver}, nil
}

// inTx runs fn inside a fresh transaction on the store.
func (s *Store) inTx(ctx context.Context, fn func(db dbInterface) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Tx wraps a database transaction.
type Tx struct {
	tx     *sqlx.Tx
	driver string
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback rolls back the transaction.
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// Close is a no-op for transactions (they should be committed or rolled back).
func (t *Tx) Close() error {
	return nil
}

// BeginTx is not supported within a transaction.
func (t *Tx) BeginTx(ctx context.Context) (storage.Transaction, error) {
	return nil, fmt.Errorf("nested transactions not supported")
}

// helper to get the correct database interface
type dbInterface interface {
	sqlx.ExtContext
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ============================================
// Profiles
// ============================================

const profileColumns = `id, COALESCE(subject, '') AS subject, display_name, email, created_at, updated_at`

func createProfile(ctx context.Context, db dbInterface, p *domain.Profile) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO profiles (id, subject, display_name, email, created_at, updated_at)
		 VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6)`,
		p.ID, p.Subject, p.DisplayName, p.Email, p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	if err != nil {
		return wrapUniqueError(err)
	}
	for _, role := range p.Roles {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO profile_roles (profile_id, role) VALUES ($1, $2)`, p.ID, role); err != nil {
			return wrapUniqueError(err)
		}
	}
	for _, churchID := range p.ChurchIDs {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO profile_churches (profile_id, church_id) VALUES ($1, $2)`, p.ID, churchID); err != nil {
			return wrapUniqueError(err)
		}
	}
	return nil
}

func (s *Store) CreateProfile(ctx context.Context, p *domain.Profile) error {
	return s.inTx(ctx, func(db dbInterface) error { return createProfile(ctx, db, p) })
}

func (t *Tx) CreateProfile(ctx context.Context, p *domain.Profile) error {
	return createProfile(ctx, t.tx, p)
}

func loadProfileScopes(ctx context.Context, db dbInterface, p *domain.Profile) error {
	p.Roles = []string{}
	if err := db.SelectContext(ctx, &p.Roles,
		`SELECT role FROM profile_roles WHERE profile_id = $1 ORDER BY role`, p.ID); err != nil {
		return err
	}
	p.ChurchIDs = []string{}
	return db.SelectContext(ctx, &p.ChurchIDs,
		`SELECT church_id FROM profile_churches WHERE profile_id = $1 ORDER BY church_id`, p.ID)
}

func getProfile(ctx context.Context, db dbInterface, where string, arg any) (*domain.Profile, error) {
	var p domain.Profile
	if err := db.GetContext(ctx, &p,
		`SELECT `+profileColumns+` FROM profiles WHERE `+where+` = $1`, arg); err != nil {
		return nil, notFound(err)
	}
	if err := loadProfileScopes(ctx, db, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProfile(ctx context.Context, id string) (*domain.Profile, error) {
	return getProfile(ctx, s.db, "id", id)
}

func (t *Tx) GetProfile(ctx context.Context, id string) (*domain.Profile, error) {
	return getProfile(ctx, t.tx, "id", id)
}

func (s *Store) GetProfileBySubject(ctx context.Context, subject string) (*domain.Profile, error) {
	if subject == "" {
		return nil, domain.ErrNotFound
	}
	return getProfile(ctx, s.db, "subject", subject)
}

func (t *Tx) GetProfileBySubject(ctx context.Context, subject string) (*domain.Profile, error) {
	if subject == "" {
		return nil, domain.ErrNotFound
	}
	return getProfile(ctx, t.tx, "subject", subject)
}

// ============================================
// API Keys
// ============================================

const apiKeyColumns = `id, profile_id, name, key_hash, key_prefix, created_at, last_used_at`

func createAPIKey(ctx context.Context, db dbInterface, key *domain.APIKey) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO api_keys (id, profile_id, name, key_hash, key_prefix, created_at, last_used_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.ProfileID, key.Name, key.KeyHash, key.KeyPrefix, key.CreatedAt.UTC(), key.LastUsedAt)
	return wrapUniqueError(err)
}

func (s *Store) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	return createAPIKey(ctx, s.db, key)
}

func (t *Tx) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	return createAPIKey(ctx, t.tx, key)
}

func getAPIKeyByHash(ctx context.Context, db dbInterface, keyHash string) (*domain.APIKey, error) {
	var key domain.APIKey
	err := db.GetContext(ctx, &key,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1`, keyHash)
	if err != nil {
		return nil, notFound(err)
	}
	return &key, nil
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	return getAPIKeyByHash(ctx, s.db, keyHash)
}

func (t *Tx) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	return getAPIKeyByHash(ctx, t.tx, keyHash)
}

func listAPIKeys(ctx context.Context, db dbInterface, profileID string) ([]*domain.APIKey, error) {
	keys := []*domain.APIKey{}
	var err error
	if profileID == "" {
		err = db.SelectContext(ctx, &keys,
			`SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC`)
	} else {
		err = db.SelectContext(ctx, &keys,
			`SELECT `+apiKeyColumns+` FROM api_keys WHERE profile_id = $1 ORDER BY created_at DESC`, profileID)
	}
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *Store) ListAPIKeys(ctx context.Context, profileID string) ([]*domain.APIKey, error) {
	return listAPIKeys(ctx, s.db, profileID)
}

func (t *Tx) ListAPIKeys(ctx context.Context, profileID string) ([]*domain.APIKey, error) {
	return listAPIKeys(ctx, t.tx, profileID)
}

func deleteAPIKey(ctx context.Context, db dbInterface, id string) error {
	result, err := db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	return deleteAPIKey(ctx, s.db, id)
}

func (t *Tx) DeleteAPIKey(ctx context.Context, id string) error {
	return deleteAPIKey(ctx, t.tx, id)
}

func updateAPIKeyLastUsed(ctx context.Context, db dbInterface, id string) error {
	result, err := db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	return updateAPIKeyLastUsed(ctx, s.db, id)
}

func (t *Tx) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	return updateAPIKeyLastUsed(ctx, t.tx, id)
}

func countAPIKeys(ctx context.Context, db dbInterface) (int, error) {
	var count int
	err := db.GetContext(ctx, &count, `SELECT COUNT(*) FROM api_keys`)
	return count, err
}

func (s *Store) CountAPIKeys(ctx context.Context) (int, error) {
	return countAPIKeys(ctx, s.db)
}

func (t *Tx) CountAPIKeys(ctx context.Context) (int, error) {
	return countAPIKeys(ctx, t.tx)
}

// ============================================
// Groups
// ============================================

// groupRow adds the derived member count to the persisted group columns.
type groupRow struct {
	domain.Group
	Count int `db:"member_count"`
}

const groupSelect = `SELECT g.id, g.title, g.description, g.meeting_day, g.meeting_time, g.location,
	g.status, g.created_by, g.reviewed_by, g.review_reason, g.reviewed_at, g.created_at, g.updated_at,
	(SELECT COUNT(*) FROM group_memberships m WHERE m.group_id = g.id AND m.status = 'active') AS member_count
	FROM small_groups g`

func createGroup(ctx context.Context, db dbInterface, g *domain.Group) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO small_groups (id, title, description, meeting_day, meeting_time, location,
		 status, created_by, reviewed_by, review_reason, reviewed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		g.ID, g.Title, g.Description, g.MeetingDay, g.MeetingTime, g.Location,
		g.Status, g.CreatedBy, g.ReviewedBy, g.ReviewReason, g.ReviewedAt, g.CreatedAt.UTC(), g.UpdatedAt.UTC())
	if err != nil {
		return wrapUniqueError(err)
	}
	for _, churchID := range g.ChurchIDs {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO group_churches (group_id, church_id) VALUES ($1, $2)`, g.ID, churchID); err != nil {
			return wrapUniqueError(err)
		}
	}
	return nil
}

func (s *Store) CreateGroup(ctx context.Context, g *domain.Group) error {
	return s.inTx(ctx, func(db dbInterface) error { return createGroup(ctx, db, g) })
}

func (t *Tx) CreateGroup(ctx context.Context, g *domain.Group) error {
	return createGroup(ctx, t.tx, g)
}

// attachChurches fills ChurchIDs for every group with one query.
func attachChurches(ctx context.Context, db dbInterface, groups []*domain.Group) error {
	if len(groups) == 0 {
		return nil
	}
	ids := make([]string, len(groups))
	byID := make(map[string]*domain.Group, len(groups))
	for i, g := range groups {
		ids[i] = g.ID
		g.ChurchIDs = []string{}
		byID[g.ID] = g
	}
	query, args, err := sqlx.In(
		`SELECT group_id, church_id FROM group_churches WHERE group_id IN (?) ORDER BY church_id`, ids)
	if err != nil {
		return err
	}
	var rows []struct {
		GroupID  string `db:"group_id"`
		ChurchID string `db:"church_id"`
	}
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return err
	}
	for _, r := range rows {
		if g, ok := byID[r.GroupID]; ok {
			g.ChurchIDs = append(g.ChurchIDs, r.ChurchID)
		}
	}
	return nil
}

func toGroups(rows []groupRow) []*domain.Group {
	groups := make([]*domain.Group, len(rows))
	for i := range rows {
		g := rows[i].Group
		g.MemberCount = rows[i].Count
		groups[i] = &g
	}
	return groups
}

func getGroup(ctx context.Context, db dbInterface, id string) (*domain.Group, error) {
	var rows []groupRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(groupSelect+` WHERE g.id = ?`), id); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, domain.ErrNotFound
	}
	groups := toGroups(rows)
	if err := attachChurches(ctx, db, groups); err != nil {
		return nil, err
	}
	return groups[0], nil
}

func (s *Store) GetGroup(ctx context.Context, id string) (*domain.Group, error) {
	return getGroup(ctx, s.db, id)
}

func (t *Tx) GetGroup(ctx context.Context, id string) (*domain.Group, error) {
	return getGroup(ctx, t.tx, id)
}

// likeEscaper makes a search term match literally inside a LIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func listGroups(ctx context.Context, db dbInterface, filter storage.GroupFilter) ([]*domain.Group, error) {
	var (
		conds []string
		args  []any
	)
	if len(filter.IDs) > 0 {
		conds = append(conds, `g.id IN (?)`)
		args = append(args, filter.IDs)
	}
	if filter.Status != "" {
		conds = append(conds, `g.status = ?`)
		args = append(args, filter.Status)
	}
	if filter.ChurchID != "" {
		conds = append(conds, `EXISTS (SELECT 1 FROM group_churches gc WHERE gc.group_id = g.id AND gc.church_id = ?)`)
		args = append(args, filter.ChurchID)
	}
	if filter.Query != "" {
		pattern := "%" + likeEscaper.Replace(filter.Query) + "%"
		conds = append(conds, `(LOWER(g.title) LIKE LOWER(?) ESCAPE '\' OR LOWER(g.description) LIKE LOWER(?) ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}

	query := groupSelect
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY g.title ASC, g.id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	if len(filter.IDs) > 0 {
		var err error
		query, args, err = sqlx.In(query, args...)
		if err != nil {
			return nil, err
		}
	}

	var rows []groupRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return nil, err
	}
	groups := toGroups(rows)
	if err := attachChurches(ctx, db, groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func (s *Store) ListGroups(ctx context.Context, filter storage.GroupFilter) ([]*domain.Group, error) {
	return listGroups(ctx, s.db, filter)
}

func (t *Tx) ListGroups(ctx context.Context, filter storage.GroupFilter) ([]*domain.Group, error) {
	return listGroups(ctx, t.tx, filter)
}

func updateGroupStatus(ctx context.Context, db dbInterface, change storage.StatusChange) error {
	at := change.At.UTC()
	result, err := db.ExecContext(ctx,
		`UPDATE small_groups SET status = $1, reviewed_by = $2, review_reason = $3, reviewed_at = $4, updated_at = $5
		 WHERE id = $6 AND status = $7`,
		change.To, change.ReviewedBy, change.Reason, at, at, change.GroupID, change.From)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		return nil
	}
	var exists int
	if err := db.GetContext(ctx, &exists, `SELECT COUNT(*) FROM small_groups WHERE id = $1`, change.GroupID); err != nil {
		return err
	}
	if exists == 0 {
		return domain.ErrNotFound
	}
	return domain.ErrConflict
}

func (s *Store) UpdateGroupStatus(ctx context.Context, change storage.StatusChange) error {
	return updateGroupStatus(ctx, s.db, change)
}

func (t *Tx) UpdateGroupStatus(ctx context.Context, change storage.StatusChange) error {
	return updateGroupStatus(ctx, t.tx, change)
}

// ============================================
// Memberships
// ============================================

const membershipColumns = `id, group_id, user_id, role, status, joined_at, updated_at`

func createMembership(ctx context.Context, db dbInterface, m *domain.Membership) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO group_memberships (id, group_id, user_id, role, status, joined_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.GroupID, m.UserID, m.Role, m.Status, m.JoinedAt.UTC(), m.UpdatedAt.UTC())
	return wrapUniqueError(err)
}

func (s *Store) CreateMembership(ctx context.Context, m *domain.Membership) error {
	return createMembership(ctx, s.db, m)
}

func (t *Tx) CreateMembership(ctx context.Context, m *domain.Membership) error {
	return createMembership(ctx, t.tx, m)
}

func getMembership(ctx context.Context, db dbInterface, groupID, userID string, forUpdate bool) (*domain.Membership, error) {
	query := `SELECT ` + membershipColumns + ` FROM group_memberships WHERE group_id = $1 AND user_id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var m domain.Membership
	err := db.GetContext(ctx, &m, query, groupID, userID)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (s *Store) GetMembership(ctx context.Context, groupID, userID string) (*domain.Membership, error) {
	return getMembership(ctx, s.db, groupID, userID, false)
}

// GetMembership locks the row until the transaction ends. SQLite already
// serializes writers on its single connection and has no FOR UPDATE.
func (t *Tx) GetMembership(ctx context.Context, groupID, userID string) (*domain.Membership, error) {
	return getMembership(ctx, t.tx, groupID, userID, t.driver != "sqlite3")
}

func updateMembership(ctx context.Context, db dbInterface, m *domain.Membership) error {
	result, err := db.ExecContext(ctx,
		`UPDATE group_memberships SET role = $1, status = $2, joined_at = $3, updated_at = $4
		 WHERE id = $5 AND group_id = $6 AND user_id = $7`,
		m.Role, m.Status, m.JoinedAt.UTC(), m.UpdatedAt.UTC(), m.ID, m.GroupID, m.UserID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateMembership(ctx context.Context, m *domain.Membership) error {
	return updateMembership(ctx, s.db, m)
}

func (t *Tx) UpdateMembership(ctx context.Context, m *domain.Membership) error {
	return updateMembership(ctx, t.tx, m)
}

func listMemberships(ctx context.Context, db dbInterface, filter storage.MembershipFilter) ([]*domain.Membership, error) {
	var (
		conds []string
		args  []any
	)
	if len(filter.GroupIDs) > 0 {
		conds = append(conds, `group_id IN (?)`)
		args = append(args, filter.GroupIDs)
	}
	if filter.UserID != "" {
		conds = append(conds, `user_id = ?`)
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		conds = append(conds, `status = ?`)
		args = append(args, filter.Status)
	}

	query := `SELECT ` + membershipColumns + ` FROM group_memberships`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY joined_at ASC, id ASC`

	if len(filter.GroupIDs) > 0 {
		var err error
		query, args, err = sqlx.In(query, args...)
		if err != nil {
			return nil, err
		}
	}

	out := []*domain.Membership{}
	if err := db.SelectContext(ctx, &out, db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListMemberships(ctx context.Context, filter storage.MembershipFilter) ([]*domain.Membership, error) {
	return listMemberships(ctx, s.db, filter)
}

func (t *Tx) ListMemberships(ctx context.Context, filter storage.MembershipFilter) ([]*domain.Membership, error) {
	return listMemberships(ctx, t.tx, filter)
}
