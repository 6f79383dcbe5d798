package handlers

import (
	"encoding/json"
	"net/http"
)

// version is stamped by the build via main; "dev" otherwise.
var version = "dev"

// SetVersion records the binary version served by VersionHandler.
func SetVersion(v string) {
	if v != "" {
		version = v
	}
}

// Version returns the recorded binary version.
func Version() string { return version }

// VersionHandler serves the binary version.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"version": version})
}
