package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"OpenLake-Chain/pkg/logger"
)

const (
	kindAccess        = "access"
	kindRefresh       = "refresh"
	grantTypePassword = "password"
	saltLen           = 16

	defaultAccessTTLSeconds  = 3600
	defaultRefreshTTLSeconds = 86400
)

// header 部分固定为 HS256，提前编码好。
var signedHeader = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

// Service 把令牌签发与请求鉴权收敛到一个入口。
type Service struct {
	mode   Mode
	store  Store
	signer *tokenSigner
	audit  *slog.Logger
}

// NewService 按配置构造认证服务；disabled 模式下所有请求直接放行。
func NewService(ctx context.Context, cfg Config, store Store) (*Service, error) {
	mode := Mode(strings.ToLower(string(cfg.Mode)))
	if mode == "" {
		mode = ModeDisabled
	}

	svc := &Service{mode: mode, store: store, audit: logger.Audit()}
	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeJWT:
		signer, err := newTokenSigner(cfg.JWT)
		if err != nil {
			return nil, err
		}
		if store == nil {
			return nil, errors.New("jwt 模式需要用户存储")
		}
		svc.signer = signer
	default:
		return nil, fmt.Errorf("未知的认证模式: %s", cfg.Mode)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if writer, ok := store.(SeedWriter); ok && len(cfg.Seeds) > 0 {
		for _, seed := range cfg.Seeds {
			if err := writer.ApplySeed(ctx, seed); err != nil {
				return nil, fmt.Errorf("注入种子账号 %s 失败: %w", seed.Username, err)
			}
		}
	}
	return svc, nil
}

// Mode 返回当前工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Authenticate 处理密码授权并签发令牌对。
func (s *Service) Authenticate(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	grant := strings.ToLower(strings.TrimSpace(req.GrantType))
	if grant != "" && grant != grantTypePassword {
		return nil, ErrUnsupportedGrant
	}
	if s.store == nil || s.signer == nil {
		return nil, errors.New("认证服务未初始化完整")
	}

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

	subject, err := s.loadActiveSubject(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	pair, err := s.signer.issue(subject)
	if err != nil {
		return nil, err
	}
	pair.Subject = subject.Clone()
	return pair, nil
}

// AuthenticateRequest 解析 Bearer 令牌并装载主体。
func (s *Service) AuthenticateRequest(ctx context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	token, err := parseBearer(authorization)
	if err != nil {
		return nil, err
	}
	if s.signer == nil || s.store == nil {
		return nil, errors.New("认证服务未初始化完整")
	}

	c, err := s.signer.verify(token)
	if err != nil {
		return nil, err
	}
	// 刷新令牌不能当访问令牌用。
	if c.Kind != kindAccess {
		return nil, ErrInvalidToken
	}
	userID, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return s.loadActiveSubject(ctx, userID)
}

func (s *Service) loadActiveSubject(ctx context.Context, userID int64) (*Subject, error) {
	subject, err := s.store.LoadSubject(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("装载主体失败: %w", err)
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	subject.permissionSet()
	return subject, nil
}

// parseBearer 拆出 Authorization 头中的裸令牌。
func parseBearer(authorization string) (string, error) {
	fields := strings.Fields(strings.TrimSpace(authorization))
	if len(fields) != 2 || !strings.EqualFold(fields[0], "bearer") || fields[1] == "" {
		return "", ErrMissingToken
	}
	return fields[1], nil
}

// tokenSigner 负责 HS256 令牌的签发与校验。
type tokenSigner struct {
	secret     []byte
	issuer     string
	audience   []string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func newTokenSigner(opts JWTOptions) (*tokenSigner, error) {
	if strings.TrimSpace(opts.Secret) == "" {
		return nil, errors.New("jwt 模式必须配置签名密钥")
	}
	accessTTL := opts.AccessTTL
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTLSeconds
	}
	refreshTTL := opts.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTLSeconds
	}
	return &tokenSigner{
		secret:     []byte(opts.Secret),
		issuer:     opts.Issuer,
		audience:   append([]string(nil), opts.Audience...),
		accessTTL:  time.Duration(accessTTL) * time.Second,
		refreshTTL: time.Duration(refreshTTL) * time.Second,
	}, nil
}

// claims 是令牌携带的声明集合。
type claims struct {
	Subject     string   `json:"sub"`
	Kind        string   `json:"type"`
	Username    string   `json:"username,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Issuer      string   `json:"iss,omitempty"`
	Audience    []string `json:"aud,omitempty"`
	IssuedAt    int64    `json:"iat,omitempty"`
	ExpiresAt   int64    `json:"exp,omitempty"`
}

func (t *tokenSigner) newClaims(subject *Subject, kind string, ttl time.Duration, now int64) claims {
	c := claims{
		Subject:   strconv.FormatInt(subject.ID, 10),
		Kind:      kind,
		Username:  subject.Username,
		Roles:     append([]string(nil), subject.Roles...),
		Issuer:    t.issuer,
		Audience:  append([]string(nil), t.audience...),
		IssuedAt:  now,
		ExpiresAt: now + int64(ttl.Seconds()),
	}
	if kind == kindAccess {
		c.Permissions = append([]string(nil), subject.Permissions...)
	}
	return c
}

// issue 同时签发访问令牌和刷新令牌。
func (t *tokenSigner) issue(subject *Subject) (*TokenPair, error) {
	if subject == nil {
		return nil, errors.New("缺少令牌主体")
	}
	subject.permissionSet()
	now := time.Now().Unix()

	access, err := t.sign(t.newClaims(subject, kindAccess, t.accessTTL, now))
	if err != nil {
		return nil, fmt.Errorf("签发访问令牌失败: %w", err)
	}
	refresh, err := t.sign(t.newClaims(subject, kindRefresh, t.refreshTTL, now))
	if err != nil {
		return nil, fmt.Errorf("签发刷新令牌失败: %w", err)
	}
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		ExpiresIn:        int64(t.accessTTL.Seconds()),
		RefreshExpiresIn: int64(t.refreshTTL.Seconds()),
		TokenType:        "Bearer",
	}, nil
}

func (t *tokenSigner) sign(c claims) (string, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(body)
	sig := t.mac(signedHeader, payload)
	return signedHeader + "." + payload + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func (t *tokenSigner) mac(header, payload string) []byte {
	h := hmac.New(sha256.New, t.secret)
	fmt.Fprintf(h, "%s.%s", header, payload)
	return h.Sum(nil)
}

// verify 校验签名、有效期、签发方和受众。
func (t *tokenSigner) verify(token string) (*claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}
	got, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	if subtle.ConstantTimeCompare(t.mac(parts[0], parts[1]), got) != 1 {
		return nil, ErrInvalidToken
	}
	body, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var c claims
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, ErrInvalidToken
	}

	if c.ExpiresAt != 0 && time.Now().Unix() > c.ExpiresAt {
		return nil, ErrInvalidToken
	}
	if t.issuer != "" && c.Issuer != "" && !strings.EqualFold(t.issuer, c.Issuer) {
		return nil, ErrInvalidToken
	}
	if len(t.audience) > 0 && len(c.Audience) > 0 && !audienceMatches(t.audience, c.Audience) {
		return nil, ErrInvalidToken
	}
	return &c, nil
}

func audienceMatches(want, got []string) bool {
	for _, w := range want {
		for _, g := range got {
			if strings.EqualFold(strings.TrimSpace(w), strings.TrimSpace(g)) {
				return true
			}
		}
	}
	return false
}

// HashPassword 生成加盐的 SHA-256 哈希，格式为 base64(salt):base64(digest)。
func HashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", errors.New("密码不能为空")
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("生成盐失败: %w", err)
	}
	sum := sha256.Sum256(append(salt, password...))
	return base64.RawStdEncoding.EncodeToString(salt) + ":" +
		base64.RawStdEncoding.EncodeToString(sum[:]), nil
}

func verifyPassword(stored, password string) bool {
	salt, want, ok := splitHash(stored)
	if !ok {
		return false
	}
	sum := sha256.Sum256(append(salt, password...))
	return subtle.ConstantTimeCompare(want, sum[:]) == 1
}

func splitHash(stored string) (salt, digest []byte, ok bool) {
	head, tail, found := strings.Cut(stored, ":")
	if !found {
		return nil, nil, false
	}
	salt, err := base64.RawStdEncoding.DecodeString(head)
	if err != nil {
		return nil, nil, false
	}
	digest, err = base64.RawStdEncoding.DecodeString(tail)
	if err != nil {
		return nil, nil, false
	}
	return salt, digest, true
}
