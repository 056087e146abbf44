package httpapi

import (
	"net/http"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/dmitrijs2005/gophauth/internal/server/services"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type resetPasswordRequest struct {
	Email string `json:"email"`
}

type updateUserRequest struct {
	Email   *string `json:"email"`
	Blocked *bool   `json:"blocked"`
}

type userResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Blocked   bool      `json:"blocked"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type authResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type resetPasswordResponse struct {
	NewPassword string `json:"newPassword"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// toUserResponse never exposes the credential record.
func toUserResponse(u *models.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		Blocked:   u.Blocked,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

func (s *HTTPServer) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "OK", Timestamp: s.now().UTC()})
}

func (s *HTTPServer) register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "malformed request body")
		return
	}

	res, err := s.accounts.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{Token: res.Token, User: toUserResponse(res.User)})
}

func (s *HTTPServer) login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "malformed request body")
		return
	}

	res, err := s.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: res.Token, User: toUserResponse(res.User)})
}

func (s *HTTPServer) listUsers(w http.ResponseWriter, r *http.Request) {
	list, err := s.accounts.ListUsers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]userResponse, 0, len(list))
	for _, u := range list {
		out = append(out, toUserResponse(u))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *HTTPServer) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.accounts.GetUser(r.Context(), r.PathValue("id"))
	s.writeUser(w, r, u, err)
}

func (s *HTTPServer) updateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "malformed request body")
		return
	}

	u, err := s.accounts.UpdateUser(r.Context(), r.PathValue("id"), services.UserChanges{
		Email:   req.Email,
		Blocked: req.Blocked,
	})
	s.writeUser(w, r, u, err)
}

func (s *HTTPServer) deleteUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.accounts.DeleteUser(r.Context(), r.PathValue("id"))
	s.writeUser(w, r, u, err)
}

func (s *HTTPServer) blockUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.accounts.BlockUser(r.Context(), r.PathValue("id"))
	s.writeUser(w, r, u, err)
}

func (s *HTTPServer) unblockUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.accounts.UnblockUser(r.Context(), r.PathValue("id"))
	s.writeUser(w, r, u, err)
}

func (s *HTTPServer) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "malformed request body")
		return
	}

	plaintext, err := s.accounts.ResetPassword(r.Context(), req.Email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resetPasswordResponse{NewPassword: plaintext})
}

func (s *HTTPServer) adminDeleteUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.accounts.DeleteUserByEmail(r.Context(), r.PathValue("email"))
	s.writeUser(w, r, u, err)
}

func (s *HTTPServer) writeUser(w http.ResponseWriter, r *http.Request, u *models.User, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}
