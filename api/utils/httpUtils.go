package utils

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/barretodotcom/zentrix_inbox/apperr"
	"go.uber.org/zap"
)

func HttpError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// AppError maps err to its HTTP status. Internal failures are logged and
// answered with a generic message.
func AppError(w http.ResponseWriter, err error) {
	code := apperr.HTTPStatus(err)
	kind := apperr.KindOf(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		zap.L().Error("request failed", zap.String("kind", string(kind)), zap.Error(err))
		if kind == apperr.KindInternal || kind == apperr.KindPersistence {
			msg = "internal error"
		}
	}
	JsonStatus(w, code, map[string]string{"error": msg, "code": string(kind)})
}

func JsonOK(w http.ResponseWriter, v any) {
	JsonStatus(w, http.StatusOK, v)
}

func JsonStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// QueryInt parses a non-negative integer query parameter, returning def
// when it is absent. ok is false for malformed values.
func QueryInt(r *http.Request, name string, def int64) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// QueryBool returns nil when name is absent.
func QueryBool(r *http.Request, name string) (*bool, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, false
	}
	return &b, true
}
