// Package auth はセッションベースの認証機能を提供します。
// 解析APIと履歴は財務情報を扱うため、認証設定がある環境では
// ログイン済みセッションとCSRFトークンを要求します。
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/findoc-analyzer/internal/config"
)

const (
	SessionCookieName = "fda_session"

	sessionKeyUser = "auth_user"
	sessionKeyCSRF = "csrf_token"

	csrfHeader = "X-CSRF-Token"

	maxLoginAttempts = 5
)

var (
	sessionLifetime = 12 * time.Hour
	loginWindow     = 15 * time.Minute
	lockDuration    = 10 * time.Minute
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(sessionLifetime.Seconds())
}

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Manager は認証処理と失敗回数の状態をまとめた構造体です。
type Manager struct {
	cfg      *config.Config
	mu       sync.Mutex
	attempts map[string]*attemptState
}

// NewManager は認証マネージャーを作成します。
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		cfg:      cfg,
		attempts: make(map[string]*attemptState),
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login は POST /api/auth/login のハンドラーです。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "username と password を JSON で送ってください。",
		})
		return
	}

	ip := c.ClientIP()
	if m.locked(ip) {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":    "TOO_MANY_ATTEMPTS",
			"message": "一定時間後に再度お試しください。",
		})
		return
	}

	if !m.verify(req.Username, req.Password) {
		m.recordFailure(ip)
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":    "INVALID_CREDENTIALS",
			"message": "ユーザー名またはパスワードが正しくありません。",
		})
		return
	}
	m.resetAttempts(ip)

	token, err := generateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "TOKEN_GENERATION_FAILED",
			"message": "CSRFトークンの生成に失敗しました。",
		})
		return
	}

	session := sessions.Default(c)
	session.Set(sessionKeyUser, req.Username)
	session.Set(sessionKeyCSRF, token)
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "セッションの保存に失敗しました。",
		})
		return
	}

	c.Header(csrfHeader, token)
	c.JSON(http.StatusOK, gin.H{"username": req.Username})
}

// Logout は POST /api/auth/logout のハンドラーです。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "セッションの破棄に失敗しました。",
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// RequireLogin はログイン済みセッションを要求するミドルウェアです。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		user, _ := session.Get(sessionKeyUser).(string)
		if user == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "ログインが必要です。",
			})
			return
		}
		c.Next()
	}
}

// VerifyCSRF は更新系リクエストに CSRF トークンを要求するミドルウェアです。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}

		session := sessions.Default(c)
		expected, _ := session.Get(sessionKeyCSRF).(string)
		provided := c.GetHeader(csrfHeader)
		if expected == "" || provided == "" ||
			subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_TOKEN_MISMATCH",
				"message": "CSRFトークンが一致しません。",
			})
			return
		}
		c.Next()
	}
}

func (m *Manager) verify(username, password string) bool {
	if username != m.cfg.AppUsername {
		// タイミング差を避けるためダミーの比較を行う
		_ = bcrypt.CompareHashAndPassword([]byte(m.cfg.AppPasswordHash), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(m.cfg.AppPasswordHash), []byte(password)) == nil
}

func (m *Manager) locked(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.attempts[ip]
	if !ok {
		return false
	}
	return time.Now().Before(state.lockedUntil)
}

func (m *Manager) recordFailure(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	state, ok := m.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > loginWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[ip] = state
	}
	state.count++
	if state.count >= maxLoginAttempts {
		state.lockedUntil = now.Add(lockDuration)
	}
}

func (m *Manager) resetAttempts(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, ip)
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
