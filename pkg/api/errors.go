package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/taskfleet/taskfleet/pkg/store"
)

// mapStoreError converts store-layer sentinel errors to HTTP status codes.
// Name conflicts on agent registration are client errors, not conflicts: the
// installer must pick another name.
func mapStoreError(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrInvalidTask), errors.Is(err, store.ErrNameConflict):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "resource not found"
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrIllegalTransition),
		errors.Is(err, store.ErrBadAssignment):
		return http.StatusConflict, err.Error()
	}

	slog.Error("Unexpected store error", "error", err)
	return http.StatusInternalServerError, "internal server error"
}
