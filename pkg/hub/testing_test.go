package hub

import "net/http"

// httptestHandler adapts the hub for httptest servers.
func httptestHandler(h *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.HandleConnection(w, r)
	}
}
