package health

import (
	"net/http"

	log "github.com/sirupsen/logrus"
)

type healthCheckHttpHandler struct {
	checker Checker
}

func SetupHttpMux(mux *http.ServeMux, checker Checker) {
	mux.Handle("/health", &healthCheckHttpHandler{checker: checker})
}

func (h *healthCheckHttpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := h.checker.Check()
	if err == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	log.Warnf("Health check failed: %v", err)
	w.WriteHeader(http.StatusServiceUnavailable)
	if _, err = w.Write([]byte(err.Error())); err != nil {
		log.Errorf("Failed to write health check response: %v", err)
	}
}
