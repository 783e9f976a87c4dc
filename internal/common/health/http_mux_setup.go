package health

import (
	"net/http"
)

// HealthPath is where SetupHttpMux serves the health check.
const HealthPath = "/health"

// SetupHttpMux serves checker on HealthPath.
func SetupHttpMux(mux *http.ServeMux, checker Checker) {
	mux.Handle(HealthPath, NewHealthCheckHttpHandler(checker))
}
