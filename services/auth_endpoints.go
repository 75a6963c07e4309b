package services

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/krshsl/interviewcoach/backend/models"
)

type AuthEndpoints struct {
	authService *AuthService
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

func toUserResponse(u *models.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, FullName: u.FullName, Role: u.Role}
}

func NewAuthEndpoints(authService *AuthService) *AuthEndpoints {
	return &AuthEndpoints{authService: authService}
}

// RegisterRoutes mounts the public auth routes. Logout and me need the auth
// middleware and are mounted by RegisterProtectedRoutes.
func (e *AuthEndpoints) RegisterRoutes(r chi.Router) {
	r.Post("/auth/login", e.LoginHandler)
	r.Post("/auth/signup", e.SignupHandler)
}

func (e *AuthEndpoints) RegisterProtectedRoutes(r chi.Router) {
	r.Post("/auth/logout", e.LogoutHandler)
	r.Get("/auth/me", e.MeHandler)
}

func (e *AuthEndpoints) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", false)
		return
	}

	authResponse, err := e.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		slog.Warn("Login failed", "error", err)
		writeAppError(w, r, err)
		return
	}

	e.authService.SetAuthCookie(w, authResponse.AccessToken)
	writeJSON(w, http.StatusOK, map[string]any{
		"user":         toUserResponse(authResponse.User),
		"access_token": authResponse.AccessToken,
	})
}

func (e *AuthEndpoints) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", false)
		return
	}

	authResponse, err := e.authService.Signup(r.Context(), req.Email, req.Password, req.FullName)
	if err != nil {
		slog.Warn("Signup failed", "error", err)
		writeAppError(w, r, err)
		return
	}

	e.authService.SetAuthCookie(w, authResponse.AccessToken)
	writeJSON(w, http.StatusCreated, map[string]any{
		"user":         toUserResponse(authResponse.User),
		"access_token": authResponse.AccessToken,
	})
}

// LogoutHandler clears the cookie. Access tokens are stateless and stay
// valid until they expire.
func (e *AuthEndpoints) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	e.authService.ClearAuthCookie(w)
	if user != nil {
		slog.Info("User logged out", "user_id", user.ID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}

func (e *AuthEndpoints) MeHandler(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated", false)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": toUserResponse(user)})
}
