package rest

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"market-chat/errors"
	"market-chat/protocol"
	"net/http"

	"github.com/labstack/echo/v4"
)

// ErrorHandler writes every failure as a protocol.Error body. Domain errors
// get their mapped status; echo's own errors keep theirs.
func ErrorHandler(log *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status := errors.HTTPStatus(err)
		body := protocol.FromError(err)

		var httpErr *echo.HTTPError
		if stderrors.As(err, &httpErr) {
			status = httpErr.Code
			body = protocol.Error{Code: httpCode(status), Message: fmt.Sprint(httpErr.Message)}
		}
		if status >= http.StatusInternalServerError {
			log.Error("Request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			log.Debug("Cannot write error response", "error", err)
		}
	}
}

func httpCode(status int) string {
	switch {
	case status == http.StatusNotFound:
		return errors.CodeNotFound
	case status == http.StatusUnauthorized:
		return errors.CodeUnauthenticated
	case status < http.StatusInternalServerError:
		return errors.CodeInvalidRequest
	default:
		return errors.CodeInternal
	}
}

func bindError(err error) error {
	return fmt.Errorf("%w: %v", errors.ErrInvalidRequest, err)
}
