package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/pulselabs/pulse/auth"
	"github.com/pulselabs/pulse/common"
	"github.com/pulselabs/pulse/db"
	"github.com/pulselabs/pulse/db/repository"
)

type createUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (r *createUserRequest) validate() error {
	var issues []common.Issue
	r.Email = strings.TrimSpace(strings.ToLower(r.Email))
	if r.Email == "" || !strings.Contains(r.Email, "@") {
		issues = append(issues, common.Issue{Code: "invalid", Path: "email", Message: "a valid email is required"})
	}
	if len(r.Password) < auth.MinPasswordLength {
		issues = append(issues, common.Issue{Code: "too_short", Path: "password", Message: "password must be at least 8 characters"})
	}
	switch r.Role {
	case "":
		r.Role = db.RoleUser
	case db.RoleAdmin, db.RoleUser:
	default:
		issues = append(issues, common.Issue{Code: "invalid", Path: "role", Message: "role must be admin or user"})
	}
	if len(issues) > 0 {
		return common.NewValidation(issues...)
	}
	return nil
}

func (s *Server) listUsers(c echo.Context) error {
	p, err := parseListParams(c)
	if err != nil {
		return err
	}
	if err := checkListParams(repository.Users, p); err != nil {
		return err
	}
	res, err := s.users.List(c.Request().Context(), p)
	if err != nil {
		return common.NewRetryable("failed to list users", err)
	}
	return s.okList(c, res.Data, p, res.Total)
}

func (s *Server) getUser(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	user, err := s.users.Get(c.Request().Context(), id)
	if err != nil {
		return common.NewRetryable("failed to load user", err)
	}
	if user == nil {
		return common.NewNotFound("user not found")
	}
	return s.ok(c, http.StatusOK, user)
}

func (s *Server) createUser(c echo.Context) error {
	var req createUserRequest
	if err := c.Bind(&req); err != nil {
		return common.NewBadRequest("malformed request body")
	}
	if err := req.validate(); err != nil {
		return err
	}
	ctx := c.Request().Context()

	existing, err := s.users.GetFirst(ctx, repository.FirstParams{
		Filters: map[string]any{"email__eq": req.Email},
	})
	if err != nil {
		return common.NewRetryable("failed to check email", err)
	}
	if existing != nil {
		return common.NewValidation(common.Issue{Code: "taken", Path: "email", Message: "email is already registered"})
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return common.NewFatal(err)
	}
	user, err := s.users.Create(ctx, &db.User{Email: req.Email, PasswordHash: hash, Role: req.Role})
	if err != nil {
		return common.NewRetryable("failed to create user", err)
	}
	return s.ok(c, http.StatusCreated, user)
}

func (s *Server) updateUser(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var values map[string]any
	if err := c.Bind(&values); err != nil {
		return common.NewBadRequest("malformed request body")
	}
	if len(values) == 0 {
		return common.NewBadRequest("empty update")
	}

	if email, ok := values["email"].(string); ok {
		values["email"] = strings.TrimSpace(strings.ToLower(email))
	}
	if password, ok := values["password"].(string); ok && len(password) < auth.MinPasswordLength {
		return common.NewValidation(common.Issue{Code: "too_short", Path: "password", Message: "password must be at least 8 characters"})
	}
	if role, ok := values["role"].(string); ok && role != db.RoleAdmin && role != db.RoleUser {
		return common.NewValidation(common.Issue{Code: "invalid", Path: "role", Message: "role must be admin or user"})
	}

	user, err := s.users.Update(c.Request().Context(), id, values)
	if err != nil {
		return common.NewBadRequest(err.Error())
	}
	if user == nil {
		return common.NewNotFound("user not found")
	}
	return s.ok(c, http.StatusOK, user)
}

func (s *Server) deleteUser(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	user, err := s.users.Delete(c.Request().Context(), id, true)
	if err != nil {
		return common.NewRetryable("failed to delete user", err)
	}
	if user == nil {
		return common.NewNotFound("user not found")
	}
	return s.ok(c, http.StatusOK, user)
}
