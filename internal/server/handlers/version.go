package handlers

import (
	"net/http"
	"runtime"

	apperrors "github.com/3leaps/graspatracker/internal/errors"
)

// VersionInfo describes the running binary.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// VersionHandler serves info as JSON.
func VersionHandler(info VersionInfo) http.HandlerFunc {
	if info.Version == "" {
		info.Version = "dev"
	}
	if info.GoVersion == "" {
		info.GoVersion = runtime.Version()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteJSON(w, http.StatusOK, info)
	}
}
