package server

import (
	"fmt"
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// WelcomeHandler greets with the version and a one line summary of each
// device, so a plain curl of the root shows what the daemon is doing.
func (s *AdminServer) WelcomeHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fmt.Fprintf(w, "Storage daemon (%s)\n", Version)
	for _, st := range s.Registry.Statuses() {
		vol := st.Volume
		if vol == "" {
			vol = "no volume"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", st.Name, st.MediaType, vol, st.Blocked)
	}
}
