// Package sshexec runs bootstrap steps on freshly provisioned servers over
// SSH. Uploads go through stdin piped to a remote shell so no extra agent is
// needed on the target.
package sshexec

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Runner executes commands on a remote host as a fixed user.
type Runner struct {
	user    string
	signer  ssh.Signer
	timeout time.Duration
}

// NewRunner builds a runner from a PEM-encoded private key.
func NewRunner(user string, privateKeyPEM []byte, timeout time.Duration) (*Runner, error) {
	if user == "" {
		user = "root"
	}
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Runner{user: user, signer: signer, timeout: timeout}, nil
}

func (r *Runner) dial(addr string) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User: r.user,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(r.signer)},
		// Host keys are freshly generated on first boot; there is nothing
		// to pin them against yet.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.timeout,
	}
	client, err := ssh.Dial("tcp", net.JoinHostPort(addr, "22"), cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	return client, nil
}

// WaitReady probes the host until an SSH session can run a trivial command,
// or the context is done. probe is called between attempts so the caller can
// renew leases and notice cancellation.
func (r *Runner) WaitReady(ctx context.Context, addr string, probe func() error) error {
	backoff := 5 * time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if probe != nil {
			if err := probe(); err != nil {
				return err
			}
		}

		client, err := r.dial(addr)
		if err == nil {
			session, serr := client.NewSession()
			if serr == nil {
				serr = session.Run("true")
				session.Close()
			}
			client.Close()
			if serr == nil {
				return nil
			}
			err = serr
		}
		log.Debug().Str("addr", addr).Err(err).Msg("Host not ready for SSH yet")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// UploadScript writes content to path on the host and marks it executable.
func (r *Runner) UploadScript(ctx context.Context, addr, path string, content []byte) error {
	client, err := r.dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	session.Stdin = bytes.NewReader(content)
	var stderr bytes.Buffer
	session.Stderr = &stderr

	cmd := fmt.Sprintf("cat > %s && chmod 0755 %s", shellQuote(path), shellQuote(path))
	if err := runWithContext(ctx, session, cmd); err != nil {
		return fmt.Errorf("upload %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// RunScript executes a previously uploaded script with the given environment.
// A non-zero exit status is returned as an error carrying trailing stderr.
func (r *Runner) RunScript(ctx context.Context, addr, path string, env map[string]string) error {
	client, err := r.dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var stderr bytes.Buffer
	session.Stderr = &stderr

	// Env vars are passed inline rather than via SetEnv because sshd only
	// accepts names allowlisted in AcceptEnv.
	var sb strings.Builder
	for k, v := range env {
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(shellQuote(v))
		sb.WriteString(" ")
	}
	sb.WriteString(shellQuote(path))

	if err := runWithContext(ctx, session, sb.String()); err != nil {
		tail := strings.TrimSpace(stderr.String())
		if len(tail) > 2048 {
			tail = tail[len(tail)-2048:]
		}
		return fmt.Errorf("run %s: %w: %s", path, err, tail)
	}
	return nil
}

// DiscoverTailnetName asks the host for its tailnet DNS name. Best effort;
// returns an empty string when the query fails.
func (r *Runner) DiscoverTailnetName(ctx context.Context, addr string) string {
	client, err := r.dial(addr)
	if err != nil {
		log.Debug().Str("addr", addr).Err(err).Msg("Tailnet discovery dial failed")
		return ""
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return ""
	}
	defer session.Close()

	var stdout bytes.Buffer
	session.Stdout = &stdout
	if err := runWithContext(ctx, session, "tailscale status --json | jq -r '.Self.DNSName'"); err != nil {
		log.Debug().Str("addr", addr).Err(err).Msg("Tailnet discovery failed")
		return ""
	}
	name := strings.TrimSuffix(strings.TrimSpace(stdout.String()), ".")
	if name == "null" {
		return ""
	}
	return name
}

// runWithContext runs cmd on the session, aborting when ctx is done. The
// underlying connection is torn down on cancellation since ssh sessions have
// no native context support.
func runWithContext(ctx context.Context, session *ssh.Session, cmd string) error {
	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()
	select {
	case <-ctx.Done():
		session.Close()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
