package api

import (
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"tradesim-core/internal/domain"
)

const (
	userContextKey = "UserID"
	roleContextKey = "Role"
	tokenTTL       = 72 * time.Hour
	minPasswordLen = 8
)

// UserClaims represents JWT claims for authenticated users.
type UserClaims struct {
	UserID string      `json:"uid"`
	Role   domain.Role `json:"role"`
	jwt.RegisteredClaims
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func checkPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

func generateToken(userID string, role domain.Role, secret string, expiresAt time.Time) (string, error) {
	claims := UserClaims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func parseToken(tokenStr, secret string) (*UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &UserClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*UserClaims); ok && token.Valid && claims.UserID != "" {
		return claims, nil
	}
	return nil, errors.New("invalid token claims")
}

// AuthMiddleware enforces JWT auth for protected routes.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "MISSING_TOKEN",
				"error": "missing Authorization header",
			})
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_AUTH_HEADER",
				"error": "invalid Authorization header",
			})
			return
		}

		claims, err := parseToken(parts[1], secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_TOKEN",
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(userContextKey, claims.UserID)
		c.Set(roleContextKey, claims.Role)
		c.Next()
	}
}

// AdminMiddleware lets only operators through. It must run after
// AuthMiddleware. With a user store the stored role is authoritative, so
// role changes apply to tokens already issued; without one the token claim
// decides.
func AdminMiddleware(users domain.UserStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := c.Get(roleContextKey)
		if users != nil {
			u, err := users.GetUserByID(c.Request.Context(), CurrentUserID(c))
			switch {
			case err == nil:
				role = u.Role
			case errors.Is(err, domain.ErrNotFound):
				role = nil
			default:
				status, code := errorCode(err)
				respondError(c, status, code, "")
				c.Abort()
				return
			}
		}
		if role != domain.RoleAdmin {
			respondError(c, http.StatusForbidden, "FORBIDDEN", "")
			c.Abort()
			return
		}
		c.Next()
	}
}

// CurrentUserID returns the authenticated user ID from context.
func CurrentUserID(c *gin.Context) string {
	if v, ok := c.Get(userContextKey); ok {
		if id, okCast := v.(string); okCast {
			return id
		}
	}
	return ""
}

// registerUser creates an account, grants the operator role to configured
// emails and credits the signup bonus through the ledger.
func (s *Server) registerUser(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request payload")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Username = strings.TrimSpace(req.Username)
	if req.Email == "" || req.Password == "" {
		s.badRequest(c, "email and password are required")
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		s.badRequest(c, "invalid email format")
		return
	}
	if len(req.Password) < minPasswordLen {
		s.badRequest(c, "password must be at least 8 characters")
		return
	}

	pwHash, err := hashPassword(req.Password)
	if err != nil {
		s.fail(c, err)
		return
	}

	role := domain.RoleUser
	if s.Config.IsAdminEmail(req.Email) {
		role = domain.RoleAdmin
	}
	now := time.Now().UTC()
	user := domain.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		Username:     req.Username,
		PasswordHash: pwHash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	ctx := c.Request.Context()
	if err := s.Store.CreateUser(ctx, user); err != nil {
		s.fail(c, err)
		return
	}

	if bonus := s.Config.SignupBonus; bonus.IsPositive() {
		if user.Balance, err = s.Ledger.ApplyDelta(ctx, user.ID, bonus, domain.EntrySignupBonus, user.ID, "signup bonus"); err != nil {
			s.Logger.Error("signup bonus failed", zap.String("user_id", user.ID), zap.Error(err))
		}
	}

	s.Logger.Info("user registered", zap.String("user_id", user.ID), zap.String("role", string(role)))
	c.JSON(http.StatusCreated, gin.H{
		"user_id":  user.ID,
		"username": user.Username,
		"role":     user.Role,
		"balance":  user.Balance,
	})
}

// loginUser handles user login.
func (s *Server) loginUser(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request payload")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		s.badRequest(c, "email and password are required")
		return
	}

	user, err := s.Store.GetUserByEmail(c.Request.Context(), req.Email)
	if errors.Is(err, domain.ErrNotFound) {
		respondError(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "")
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := checkPassword(user.PasswordHash, req.Password); err != nil {
		respondError(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "")
		return
	}

	expiresAt := time.Now().Add(tokenTTL)
	token, err := generateToken(user.ID, user.Role, s.JWTSecret, expiresAt)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
		"user_id":    user.ID,
		"user_email": user.Email,
		"role":       user.Role,
	})
}
