package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"Agora-Governance/pkg/logger"
)

// 常量定义。
const (
	tokenTypeAccess        = "access"
	tokenTypeRefresh       = "refresh"
	grantTypePassword      = "password"
	grantTypeRefreshToken  = "refresh_token"
	defaultAccessTTL       = time.Hour
	defaultRefreshTTL      = 24 * time.Hour
	defaultClockSkewLeeway = 5 * time.Second
)

// hashCost 测试中会调低。
var hashCost = bcrypt.DefaultCost

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode  Mode
	store Store
	jwt   *jwtManager
	audit *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(ctx context.Context, cfg Config, store Store) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{
		mode:  mode,
		store: store,
		audit: logger.Audit(),
	}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeJWT:
		if store == nil {
			return nil, errors.New("jwt mode requires a user store")
		}
		if strings.TrimSpace(cfg.JWT.Secret) == "" {
			return nil, errors.New("jwt secret must be configured")
		}
		if cfg.JWT.AccessTTL <= 0 {
			cfg.JWT.AccessTTL = defaultAccessTTL
		}
		if cfg.JWT.RefreshTTL <= 0 {
			cfg.JWT.RefreshTTL = defaultRefreshTTL
		}
		svc.jwt = &jwtManager{
			secret:     []byte(cfg.JWT.Secret),
			issuer:     cfg.JWT.Issuer,
			audience:   cfg.JWT.Audience,
			accessTTL:  cfg.JWT.AccessTTL,
			refreshTTL: cfg.JWT.RefreshTTL,
			now:        time.Now,
		}
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if len(cfg.Seeds) > 0 {
		if writer, ok := store.(SeedWriter); ok {
			for _, seed := range cfg.Seeds {
				if err := writer.ApplySeed(ctx, seed); err != nil {
					return nil, fmt.Errorf("apply seed %s: %w", seed.Username, err)
				}
			}
		}
	}
	return svc, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Enabled 判断是否需要认证。
func (s *Service) Enabled() bool {
	return s.Mode() != ModeDisabled
}

// Authenticate 按授权类型签发令牌对，支持 password 与 refresh_token。
func (s *Service) Authenticate(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	if s == nil || s.mode == ModeDisabled || s.jwt == nil {
		return nil, ErrDisabled
	}
	grant := strings.TrimSpace(strings.ToLower(req.GrantType))
	if grant == "" {
		grant = grantTypePassword
	}

	var subject *Subject
	switch grant {
	case grantTypePassword:
		user, err := s.store.FindUserByUsername(ctx, strings.TrimSpace(req.Username))
		if err != nil {
			return nil, ErrInvalidCredentials
		}
		if user.Disabled {
			return nil, ErrSubjectRevoked
		}
		if !verifyPassword(user.PasswordHash, req.Password) {
			return nil, ErrInvalidCredentials
		}
		subject, err = s.loadActive(ctx, user.Username)
		if err != nil {
			return nil, err
		}
	case grantTypeRefreshToken:
		claims, err := s.jwt.Verify(strings.TrimSpace(req.RefreshToken))
		if err != nil {
			return nil, err
		}
		if claims.TokenType != tokenTypeRefresh {
			return nil, ErrInvalidToken
		}
		subject, err = s.loadActive(ctx, claims.Subject)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrUnsupportedGrant
	}

	pair, err := s.jwt.Generate(subject)
	if err != nil {
		return nil, err
	}
	pair.Subject = subject.Clone()
	s.audit.Info("token_issued", "agent", subject.Username, "grant", grant)
	return pair, nil
}

// AuthenticateRequest 验证 Authorization 头并返回对应主体。
func (s *Service) AuthenticateRequest(ctx context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled || s.jwt == nil {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	claims, err := s.jwt.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeAccess {
		return nil, ErrInvalidToken
	}
	return s.loadActive(ctx, claims.Subject)
}

// loadActive 每次都回查存储，禁用的主体立即失效。
func (s *Service) loadActive(ctx context.Context, username string) (*Subject, error) {
	subject, err := s.store.LoadSubject(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUnknownSubject) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("load subject: %w", err)
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	subject.normalise()
	return subject, nil
}

// jwtManager 负责 JWT 令牌的签名和验证。
type jwtManager struct {
	secret     []byte
	issuer     string
	audience   []string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// tokenClaims 定义 JWT 令牌的声明结构。
type tokenClaims struct {
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TokenType   string   `json:"type"`
	jwt.RegisteredClaims
}

// Generate 生成访问令牌和刷新令牌对。
func (m *jwtManager) Generate(subject *Subject) (*TokenPair, error) {
	if subject == nil {
		return nil, errors.New("subject required")
	}
	now := m.now()

	access := m.claims(subject, tokenTypeAccess, now, m.accessTTL)
	access.Permissions = append([]string(nil), subject.Permissions...)
	refresh := m.claims(subject, tokenTypeRefresh, now, m.refreshTTL)

	accessToken, err := m.sign(access)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refreshToken, err := m.sign(refresh)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}
	return &TokenPair{
		AccessToken:      accessToken,
		ExpiresIn:        int64(m.accessTTL.Seconds()),
		RefreshToken:     refreshToken,
		RefreshExpiresIn: int64(m.refreshTTL.Seconds()),
		TokenType:        "Bearer",
	}, nil
}

func (m *jwtManager) claims(subject *Subject, tokenType string, now time.Time, ttl time.Duration) tokenClaims {
	return tokenClaims{
		Roles:     append([]string(nil), subject.Roles...),
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject.Username,
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings(append([]string(nil), m.audience...)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}

// sign 使用 HS256 签名。
func (m *jwtManager) sign(claims tokenClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify 验证 JWT 令牌的有效性并返回其声明。
func (m *jwtManager) Verify(token string) (*tokenClaims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(defaultClockSkewLeeway),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || !m.audienceMatches(claims.Audience) {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// audienceMatches 任意一个受众匹配即可，令牌不带受众时放行。
func (m *jwtManager) audienceMatches(provided jwt.ClaimStrings) bool {
	if len(m.audience) == 0 || len(provided) == 0 {
		return true
	}
	for _, expected := range m.audience {
		for _, got := range provided {
			if strings.EqualFold(strings.TrimSpace(expected), strings.TrimSpace(got)) {
				return true
			}
		}
	}
	return false
}

// HashPassword 对给定的密码进行哈希处理并返回哈希值。
func HashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", errors.New("password cannot be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), hashCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

// verifyPassword 验证给定的密码是否与哈希值匹配。
func verifyPassword(hashed, password string) bool {
	if hashed == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) == nil
}
