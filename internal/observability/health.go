package observability

import (
	"net/http"
)

func HealthLiveHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// HealthReadyHandler reports ready while check returns true.
func HealthReadyHandler(check func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil && !check() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("NOT READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}
