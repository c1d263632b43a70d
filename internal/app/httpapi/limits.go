package httpapi

import (
	"fmt"
	"strconv"
	"strings"

	core "github.com/meshrelay/dvmcore/internal/app/core/service"
)

func parseLimitParam(raw string, defaultLimit int) (int, error) {
	def := core.DefaultListLimit
	if defaultLimit > 0 {
		def = defaultLimit
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return core.ClampLimit(parsed, def, core.MaxListLimit), nil
}

func parsePageParam(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 1, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return 0, fmt.Errorf("page must be a positive integer")
	}
	return parsed, nil
}
