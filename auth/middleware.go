package auth

import (
	"market-chat/contract"
	"market-chat/domain"
	"market-chat/errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const userIDKey = "user_id"

// TokenFromRequest reads the bearer token from the Authorization header, or
// from the access_token query parameter for browsers opening a websocket.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get(echo.HeaderAuthorization); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("access_token")
}

// Middleware rejects requests without a valid principal and stores the user id
// in the echo context.
func Middleware(verifier contract.Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID, err := verifier.Principal(c.Request().Context(), TokenFromRequest(c.Request()))
			if err != nil {
				return err
			}
			c.Set(userIDKey, userID)
			return next(c)
		}
	}
}

// OperatorOnly guards operator endpoints with the X-Operator-Key header.
// An empty hash leaves them open, for local runs.
func OperatorOnly(keyHash string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if keyHash == "" {
				return next(c)
			}
			ok, err := CompareOperatorKey(c.Request().Header.Get("X-Operator-Key"), keyHash)
			if err != nil || !ok {
				return errors.ErrForbidden
			}
			return next(c)
		}
	}
}

// UserID returns the principal set by Middleware.
func UserID(c echo.Context) domain.UserID {
	userID, _ := c.Get(userIDKey).(domain.UserID)
	return userID
}
