package launcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"syscall"

	"github.com/islserver/server/internal/statestore"
)

// AddrInUseError is how a ServerStarter reports "the port is already
// bound" back to Launcher.Run, which needs to distinguish that case
// from any other startup failure.
type AddrInUseError struct {
	Port int
}

func (e AddrInUseError) Error() string {
	return fmt.Sprintf("launcher: port %d is already in use", e.Port)
}

type addrInUseError = AddrInUseError

// challenge performs §4.G's challenge protocol against a suspected
// existing server: GET /challenge_authenticity with the record's
// sensitive token, then compare the returned challengeToken against
// the one on file in constant time. Equality authenticates the server
// as the same instance that wrote the record.
func (l *Launcher) challenge(ctx context.Context, port int, record *statestore.Record) (pid int, ok bool) {
	gotPID, gotChallenge, reached := l.doChallengeRequest(ctx, port, record.SensitiveToken)
	if !reached {
		return 0, false
	}
	if !statestore.TokensEqual(gotChallenge, record.ChallengeToken) {
		return 0, false
	}
	return gotPID, true
}

func (l *Launcher) doChallengeRequest(ctx context.Context, port int, sensitiveToken string) (pid int, challengeToken string, ok bool) {
	endpoint := fmt.Sprintf("http://localhost:%d/challenge_authenticity?token=%s", port, url.QueryEscape(sensitiveToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, "", false
	}

	resp, err := l.HTTPClient.Do(req)
	if err != nil {
		return 0, "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, "", false
	}

	var body struct {
		ChallengeToken string `json:"challengeToken"`
		PID            int    `json:"pid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, "", false
	}
	return body.PID, body.ChallengeToken, true
}

// killServerIfExists reads the record for port, challenges the
// occupant, and kills it if authenticated. A missing record or a
// failed challenge is reported, not panicked on — §4.G's --force path
// explicitly ignores this error and keeps going.
func (l *Launcher) killServerIfExists(ctx context.Context, port int) (bool, error) {
	record, err := l.Store.Read(port)
	if err != nil {
		return false, nil // nothing to kill
	}

	pid, ok := l.challenge(ctx, port, record)
	if !ok {
		return false, fmt.Errorf("%w: challenge failed for port %d", ErrPortInUseNotOurServer, port)
	}

	return l.killServerAtPID(ctx, port, pid)
}

// killServerAtPID sends the default terminate signal to pid and
// removes the on-disk record. A signal failure (process already gone)
// is reported as "did-not-kill" but the record is still cleaned up —
// per §4.G's kill protocol, a dead process is not itself an error.
func (l *Launcher) killServerAtPID(_ context.Context, port int, pid int) (bool, error) {
	killed := true
	proc, err := os.FindProcess(pid)
	if err == nil {
		if sigErr := proc.Signal(syscall.SIGTERM); sigErr != nil {
			killed = false
		}
	} else {
		killed = false
	}

	_ = l.Store.Delete(port) // best-effort; a stale record is harmless next run

	if !killed {
		return false, nil // "did-not-kill": report, don't fail the caller
	}
	return true, nil
}
