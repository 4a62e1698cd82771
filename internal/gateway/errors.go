package gateway

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// ErrorResponse represents a standard API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ErrorBadRequest returns a 400 Bad Request error
func ErrorBadRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, &ErrorResponse{Error: "bad_request", Message: message})
}

// ErrorInternal returns a 500 Internal Server Error
func ErrorInternal(c echo.Context, message string) error {
	return c.JSON(http.StatusInternalServerError, &ErrorResponse{Error: "internal_error", Message: message})
}

// ErrorGatewayTimeout returns a 504 Gateway Timeout error
func ErrorGatewayTimeout(c echo.Context, message string) error {
	return c.JSON(http.StatusGatewayTimeout, &ErrorResponse{Error: "timeout", Message: message})
}
