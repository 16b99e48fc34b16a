package principal

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mediassist/mediassist/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts login and logout on root and the recipient
// directory on api.
func (h *Handler) RegisterRoutes(root *echo.Echo, api *echo.Group) {
	root.POST("/auth/login", h.Login)
	root.POST("/auth/logout", h.Logout)

	readGroup := api.Group("", auth.RequireRole(string(RoleSubmitter), string(RoleRecipient)))
	readGroup.GET("/recipients", h.ListRecipients)
}

type loginRequest struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Username == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}

	session, err := h.svc.Login(c.Request().Context(), req.Username, req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "service unavailable").SetInternal(err)
	}
	return c.JSON(http.StatusOK, session)
}

func (h *Handler) Logout(c echo.Context) error {
	claims := auth.ClaimsFromContext(c.Request().Context())
	if claims == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
	}
	if err := h.svc.Logout(c.Request().Context(), claims); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "service unavailable").SetInternal(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListRecipients(c echo.Context) error {
	recipients, err := h.svc.Recipients(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "service unavailable").SetInternal(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": recipients})
}
