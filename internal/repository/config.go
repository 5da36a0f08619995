package repository

import (
	"context"
	"fmt"

	"github.com/islserver/server/internal/subproc"
)

// GetConfig reads a single config key (§4.I's getConfig). An unset key
// returns "", nil — config.Config's allowlist gate lives in opqueue,
// not here, since reads are harmless regardless of key.
func (r *Repository) GetConfig(ctx context.Context, key string) (string, error) {
	return r.configValue(ctx, key)
}

// SetConfig writes a single config key at the user scope. Router calls
// this directly rather than routing through the operation queue: it is
// not a working-copy mutation and carries no progress stream.
func (r *Repository) SetConfig(ctx context.Context, key, value string) error {
	result, err := subproc.Run(ctx, subproc.Spec{
		Exe:  r.Command,
		Dir:  r.Dir,
		Args: []string{"config", "--user", key, value},
	})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("repository: setting config %s: exit %d", key, result.ExitCode)
	}
	return nil
}
