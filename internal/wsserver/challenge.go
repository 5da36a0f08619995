package wsserver

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/islserver/server/internal/statestore"
)

// handleChallenge answers spec.md §4.G's authenticity challenge: a
// constant-time compare against the server's own sensitive token,
// returning the challenge token and this process's PID on success.
func handleChallenge(w http.ResponseWriter, r *http.Request, sensitiveToken, challengeToken string) {
	token := r.URL.Query().Get("token")
	if !statestore.TokensEqual(token, sensitiveToken) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		ChallengeToken string `json:"challengeToken"`
		PID            int    `json:"pid"`
	}{
		ChallengeToken: challengeToken,
		PID:            os.Getpid(),
	})
}
