package server

import (
	"strings"
)

// NormalizeBasePath ensures the base path starts and ends with '/', e.g.
// "kubesleeper" -> "/kubesleeper/". Used to turn the controller's configured
// route prefix into the exact pattern strings the Interception Endpoint's
// mux registers its own routes under.
func NormalizeBasePath(basePath string) string {
	if basePath == "" {
		return "/"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if !strings.HasSuffix(basePath, "/") {
		basePath = basePath + "/"
	}
	return basePath
}
