package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/msteinert/pam"
)

// CredentialTimeout bounds the PAM conversation per spec.md §4.1/§5.
const CredentialTimeout = 30 * time.Second

// CheckCredentials runs a PAM-style authentication for username/password
// against the "bunghole" PAM service, capped at CredentialTimeout. It
// never retries on failure or on internal PAM errors — the caller decides
// what to do with either.
func CheckCredentials(ctx context.Context, username, password string) error {
	ctx, cancel := context.WithTimeout(ctx, CredentialTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- checkPAM(username, password)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("auth: pam check timed out after %s", CredentialTimeout)
	}
}

func checkPAM(username, password string) error {
	tx, err := pam.StartFunc("bunghole", username, func(s pam.Style, msg string) (string, error) {
		switch s {
		case pam.PromptEchoOff, pam.PromptEchoOn:
			return password, nil
		default:
			return "", nil
		}
	})
	if err != nil {
		return fmt.Errorf("auth: pam start: %w", err)
	}
	if err := tx.Authenticate(0); err != nil {
		return fmt.Errorf("auth: pam authenticate: %w", err)
	}
	if err := tx.AcctMgmt(0); err != nil {
		return fmt.Errorf("auth: pam acct mgmt: %w", err)
	}
	return nil
}
