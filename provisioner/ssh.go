package provisioner

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// sshRunner delivers bootstrap scripts over a secure shell channel for
// providers without an inline boot-script facility. An instance that is
// network-reachable may not yet accept shell sessions, so execution is
// retried with a fixed delay.
type sshRunner struct {
	user       string
	keyPath    string
	attempts   int
	retryDelay time.Duration
	cmdTimeout time.Duration
}

func newSSHRunner(user, keyPath string, attempts int, retryDelay, cmdTimeout time.Duration) *sshRunner {
	return &sshRunner{
		user:       user,
		keyPath:    keyPath,
		attempts:   attempts,
		retryDelay: retryDelay,
		cmdTimeout: cmdTimeout,
	}
}

// runWithRetry executes the script on ip, retrying connection-level failures
// up to the configured attempt ceiling.
func (s *sshRunner) runWithRetry(ctx context.Context, ip, script string) error {
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		lastErr = s.run(ctx, ip, script)
		if lastErr == nil {
			return nil
		}
		if attempt < s.attempts {
			log.Printf("SSH attempt %d/%d failed for %s: %v, retrying in %s",
				attempt, s.attempts, ip, lastErr, s.retryDelay)
			select {
			case <-time.After(s.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("SSH failed after %d attempts: %w", s.attempts, lastErr)
}

// run opens one SSH session to ip and executes the script via bash on stdin.
func (s *sshRunner) run(ctx context.Context, ip, script string) error {
	keyBytes, err := os.ReadFile(s.keyPath)
	if err != nil {
		return fmt.Errorf("failed to read SSH private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return fmt.Errorf("failed to parse SSH private key: %w", err)
	}

	clientCfg := &ssh.ClientConfig{
		User:            s.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}

	client, err := ssh.Dial("tcp", net.JoinHostPort(ip, "22"), clientCfg)
	if err != nil {
		return fmt.Errorf("SSH dial failed: %w", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("SSH session failed: %w", err)
	}
	defer session.Close()

	var output bytes.Buffer
	session.Stdin = strings.NewReader(script)
	session.Stdout = &output
	session.Stderr = &output

	done := make(chan error, 1)
	go func() {
		done <- session.Run("bash -s")
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("SSH script failed: %w (output: %s)",
				err, tail(output.String(), 500))
		}
		log.Printf("SSH script executed successfully on %s", ip)
		return nil
	case <-time.After(s.cmdTimeout):
		session.Close()
		return fmt.Errorf("SSH script timed out after %s on %s", s.cmdTimeout, ip)
	case <-ctx.Done():
		session.Close()
		return ctx.Err()
	}
}

func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
