package guard

import (
	"encoding/json"
	"net/http"

	"gatekeep.dev/internal/authstate"
)

// StateSource is anything holding an auth state snapshot.
type StateSource interface {
	State() authstate.State
}

// Handler serves next only when Evaluate renders. Loading answers 503 with a
// short Retry-After, fallbacks answer 401 or 403 with the reason.
func Handler(source StateSource, req Requirements, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := Evaluate(source.State(), r.URL.RequestURI(), req)
		switch d.Kind {
		case KindRender:
			next.ServeHTTP(w, r)
		case KindRedirect:
			http.Redirect(w, r, d.Location, http.StatusFound)
		case KindLoading:
			w.Header().Set("Retry-After", "1")
			writeDecision(w, http.StatusServiceUnavailable, d)
		default:
			status := http.StatusForbidden
			if d.Reason == ReasonAuthRequired {
				status = http.StatusUnauthorized
			}
			writeDecision(w, status, d)
		}
	})
}

func writeDecision(w http.ResponseWriter, status int, d Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(d)
}
