package docker

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/docker/docker/client"

	apperrors "github.com/craftastic/craftastic/internal/common/errors"
)

// classify maps Docker SDK errors onto the service error taxonomy:
// transient (runtime unreachable), not-found, conflict (name in use),
// permission, resource.
func classify(err error, message string) error {
	if err == nil {
		return nil
	}

	switch {
	case client.IsErrNotFound(err):
		return &apperrors.AppError{
			Kind:       apperrors.KindNotFound,
			Message:    message,
			HTTPStatus: http.StatusNotFound,
			Err:        err,
		}
	case isConflict(err):
		return &apperrors.AppError{
			Kind:       apperrors.KindConflict,
			Message:    message,
			HTTPStatus: http.StatusConflict,
			Err:        err,
		}
	case isPermission(err):
		return &apperrors.AppError{
			Kind:       apperrors.KindUserInput,
			Message:    message,
			HTTPStatus: http.StatusForbidden,
			Err:        err,
		}
	case isResource(err):
		return apperrors.Resource(message, err)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return apperrors.Runtime(message, err)
	}
}

func isConflict(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "conflict") || strings.Contains(msg, "is already in use")
}

func isPermission(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "permission denied") || strings.Contains(msg, "access denied")
}

func isResource(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no space left") || strings.Contains(msg, "cannot allocate memory")
}

// IsNotRunning reports whether an exec-class error means the container is
// stopped rather than missing.
func IsNotRunning(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "is not running")
}
