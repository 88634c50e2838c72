package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/manager"
)

const maxIDLen = 128

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}

// isSafeID validates project ids; they name per-project log files.
// Allowed characters: A-Z a-z 0-9 . _ - and no "..".
func isSafeID(s string) bool {
	if s == "" || len(s) > maxIDLen || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// isSafeWorkDir requires an absolute path that cleaning leaves unchanged,
// apart from trailing separators.
func isSafeWorkDir(p string) bool {
	if p == "" || !filepath.IsAbs(p) || strings.ContainsRune(p, 0) {
		return false
	}
	clean := filepath.Clean(p)
	trimmed := strings.TrimRight(p, string(filepath.Separator))
	if trimmed == "" {
		trimmed = p
	}
	return clean == p || clean == trimmed
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type portResp struct {
	ID   string `json:"id"`
	Port int    `json:"port"`
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

func writeError(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}

// statusFor maps supervisor errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, manager.ErrUnknownProject):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrProjectActive), errors.Is(err, manager.ErrNotRunning), errors.Is(err, manager.ErrStartAborted):
		return http.StatusConflict
	case errors.Is(err, manager.ErrNoPortAvailable), errors.Is(err, manager.ErrPortConflict):
		return http.StatusServiceUnavailable
	case errors.Is(err, manager.ErrReadinessTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, manager.ErrExitedDuringStart):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
