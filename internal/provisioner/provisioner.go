// Package provisioner talks to the infrastructure provider that hosts
// deployment servers. The control plane only needs a small slice of the
// provider API: SSH key registration, server lifecycle, and action polling.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SSHKey is a registered public key on the provider.
type SSHKey struct {
	ID   int64
	Name string
}

// Server is a provisioned machine.
type Server struct {
	ID       int64
	Name     string
	Status   string
	PublicIP string // IPv4, empty until assigned
}

// Action is an asynchronous provider operation.
type Action struct {
	ID       int64
	Status   string // running, success, error
	ErrorMsg string
}

// CreateServerParams describes the server to create.
type CreateServerParams struct {
	Name       string
	ServerType string
	Image      string
	Location   string
	SSHKeyIDs  []int64
	Labels     map[string]string
	UserData   string
}

// Client is the provider surface consumed by the deployment worker.
type Client interface {
	CreateSSHKey(ctx context.Context, name, publicKey string) (*SSHKey, error)
	DeleteSSHKey(ctx context.Context, id int64) error
	CreateServer(ctx context.Context, params CreateServerParams) (*Server, *Action, error)
	GetServer(ctx context.Context, id int64) (*Server, error)
	DeleteServer(ctx context.Context, id int64) error
	WaitForAction(ctx context.Context, id int64, timeout time.Duration) error
}

// APIError is a non-2xx response from the provider.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider API error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("provider API error %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a provider 404. Deletes treat it as
// success so teardown stays idempotent.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == 404
}
