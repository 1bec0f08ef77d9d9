package modules

import "net/http"

type Module interface {
	// Cleanup is called periodically to release idle resources.
	Cleanup()
	Shutdown()
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}
