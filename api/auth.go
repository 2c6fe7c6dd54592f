package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pulselabs/pulse/auth"
	"github.com/pulselabs/pulse/common"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return common.NewBadRequest("malformed request body")
	}
	if req.Email == "" || req.Password == "" {
		return common.NewValidation(
			common.Issue{Code: "required", Path: "email", Message: "email and password are required"},
		)
	}

	result, err := s.authSvc.Login(c.Request().Context(), req.Email, req.Password, fingerprint(c), c.RealIP())
	if err != nil {
		return mapAuthErr(err)
	}
	return s.ok(c, http.StatusOK, result)
}

func (s *Server) refresh(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		return common.NewBadRequest("malformed request body")
	}
	result, err := s.authSvc.Refresh(c.Request().Context(), req.RefreshToken, fingerprint(c), c.RealIP())
	if err != nil {
		return mapAuthErr(err)
	}
	return s.ok(c, http.StatusOK, result)
}

func (s *Server) logout(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		return common.NewBadRequest("malformed request body")
	}
	if err := s.authSvc.Logout(c.Request().Context(), req.RefreshToken); err != nil {
		return mapAuthErr(err)
	}
	return s.ok(c, http.StatusOK, map[string]any{"loggedOut": true})
}

func (s *Server) me(c echo.Context) error {
	claims, err := currentClaims(c)
	if err != nil {
		return err
	}
	user, err := s.users.Get(c.Request().Context(), claims.UserID)
	if err != nil {
		return common.NewRetryable("failed to load user", err)
	}
	if user == nil {
		return common.NewNotFound("user not found")
	}
	return s.ok(c, http.StatusOK, user)
}

// fingerprint is a coarse device tag derived from the user agent.
func fingerprint(c echo.Context) string {
	return c.Request().UserAgent()
}

func mapAuthErr(err error) error {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return common.NewUnauthorized("Invalid email or password")
	case errors.Is(err, auth.ErrInvalidToken):
		return common.NewUnauthorized("Invalid or expired refresh token")
	default:
		return common.NewRetryable("authentication backend failed", err)
	}
}
