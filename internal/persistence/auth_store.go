package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"Agora-Governance/internal/auth"
)

const (
	grantRole       = "role"
	grantPermission = "permission"
)

// SQLAuthStore 把认证账号保存在快照所用的同一个数据库中。
type SQLAuthStore struct {
	db *sql.DB
}

// AuthStore 返回共享连接的账号存储，关闭由 SQLStore 负责。
func (s *SQLStore) AuthStore() *SQLAuthStore {
	return &SQLAuthStore{db: s.db}
}

// FindUserByUsername implements auth.Store.
func (s *SQLAuthStore) FindUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	const query = `SELECT id, username, password_hash, disabled FROM auth_users WHERE username = ?`
	var (
		user     auth.User
		disabled int
	)
	err := s.db.QueryRowContext(ctx, query, strings.TrimSpace(username)).
		Scan(&user.ID, &user.Username, &user.PasswordHash, &disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrUnknownSubject
	}
	if err != nil {
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}
	user.Disabled = disabled == 1
	return &user, nil
}

// LoadSubject implements auth.Store.
func (s *SQLAuthStore) LoadSubject(ctx context.Context, username string) (*auth.Subject, error) {
	user, err := s.FindUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT kind, name FROM auth_grants WHERE username = ?`, user.Username)
	if err != nil {
		return nil, fmt.Errorf("查询授权失败: %w", err)
	}
	defer rows.Close()

	subject := &auth.Subject{ID: user.ID, Username: user.Username, Disabled: user.Disabled}
	for rows.Next() {
		var kind, name string
		if err := rows.Scan(&kind, &name); err != nil {
			return nil, fmt.Errorf("解析授权失败: %w", err)
		}
		switch kind {
		case grantRole:
			subject.Roles = append(subject.Roles, name)
		case grantPermission:
			subject.Permissions = append(subject.Permissions, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历授权失败: %w", err)
	}
	sort.Strings(subject.Roles)
	sort.Strings(subject.Permissions)
	return subject, nil
}

// ApplySeed upserts the account and replaces its grants in one transaction.
func (s *SQLAuthStore) ApplySeed(ctx context.Context, seed auth.Seed) (err error) {
	username := strings.TrimSpace(seed.Username)
	if username == "" {
		return errors.New("seed username cannot be empty")
	}
	hash, err := auth.HashPassword(seed.Password)
	if err != nil {
		return err
	}
	now := time.Now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var id int64
	switch scanErr := tx.QueryRowContext(ctx, `SELECT id FROM auth_users WHERE username = ?`, username).Scan(&id); {
	case errors.Is(scanErr, sql.ErrNoRows):
		if err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM auth_users`).Scan(&id); err != nil {
			return fmt.Errorf("分配用户ID失败: %w", err)
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO auth_users (username, id, password_hash, disabled, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			username, id, hash, boolToInt(seed.Disabled), now, now); err != nil {
			return fmt.Errorf("保存用户失败: %w", err)
		}
	case scanErr != nil:
		err = scanErr
		return fmt.Errorf("查询用户失败: %w", err)
	default:
		if _, err = tx.ExecContext(ctx,
			`UPDATE auth_users SET password_hash = ?, disabled = ?, updated_at = ? WHERE username = ?`,
			hash, boolToInt(seed.Disabled), now, username); err != nil {
			return fmt.Errorf("更新用户失败: %w", err)
		}
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM auth_grants WHERE username = ?`, username); err != nil {
		return fmt.Errorf("清理授权失败: %w", err)
	}
	grants := map[string][]string{
		grantRole:       dedupeLower(seed.Roles),
		grantPermission: dedupeLower(seed.Permissions),
	}
	for kind, names := range grants {
		for _, name := range names {
			if _, err = tx.ExecContext(ctx,
				`INSERT INTO auth_grants (username, kind, name) VALUES (?, ?, ?)`, username, kind, name); err != nil {
				return fmt.Errorf("保存授权失败: %w", err)
			}
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交种子数据失败: %w", err)
	}
	return nil
}

// Disable 吊销账号，已签发的令牌随即失效。
func (s *SQLAuthStore) Disable(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE auth_users SET disabled = 1, updated_at = ? WHERE username = ?`,
		time.Now().Unix(), strings.TrimSpace(username))
	if err != nil {
		return fmt.Errorf("吊销用户失败: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return auth.ErrUnknownSubject
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func dedupeLower(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		result = append(result, value)
	}
	sort.Strings(result)
	return result
}
