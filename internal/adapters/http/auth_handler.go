package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles understood by the API.
const (
	RoleService  = "service"
	RoleReviewer = "reviewer"
)

// IssueToken signs an HS256 token for subject.
func IssueToken(secret []byte, subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   subject,
		"roles": roles,
		"exp":   now.Add(ttl).Unix(),
		"iat":   now.Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// AuthHandler issues development tokens. It is mounted only outside production.
type AuthHandler struct {
	jwtSecret []byte
	logger    *slog.Logger
}

func NewAuthHandler(logger *slog.Logger, jwtSecret string) *AuthHandler {
	return &AuthHandler{
		logger:    logger,
		jwtSecret: []byte(jwtSecret),
	}
}

// TokenRequest names the subject and the roles wanted.
type TokenRequest struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *AuthHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Subject == "" {
		writeJSONError(w, "Invalid request body", http.StatusBadRequest, h.logger)
		return
	}
	for _, role := range req.Roles {
		if role != RoleService && role != RoleReviewer {
			writeJSONError(w, "Unknown role "+role, http.StatusBadRequest, h.logger)
			return
		}
	}

	ttl := time.Hour
	token, err := IssueToken(h.jwtSecret, req.Subject, req.Roles, ttl)
	if err != nil {
		h.logger.Error("failed to sign token", "error", err)
		writeJSONError(w, "Failed to generate token", http.StatusInternalServerError, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Token: token, ExpiresAt: time.Now().Add(ttl).UTC()}, h.logger)
}
