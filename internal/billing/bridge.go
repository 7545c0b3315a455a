package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/stackforge/deploycp/internal/crypto"
	"github.com/stackforge/deploycp/internal/store"
)

// StoredSecretError means a persisted ciphertext could not be decrypted. The
// owning order has already been marked failed with the same message.
type StoredSecretError struct {
	Message string
	Order   *store.Order
}

func (e *StoredSecretError) Error() string { return e.Message }

// BridgeResult is the outcome of bridging a paid order to a deployment.
type BridgeResult struct {
	Deployment *store.Deployment `json:"deployment"`
	Created    bool              `json:"created"`
}

// Bridge turns paid orders into queued deployments. The unique billing_ref
// constraint makes concurrent bridges safe: one insert wins, the loser
// re-reads and links.
type Bridge struct {
	store        *store.Store
	cipher       *crypto.Cipher
	defaultOwner string
}

// NewBridge wires the order-to-deployment bridge. defaultOwner is the tenant
// used when the order does not record who initiated the checkout.
func NewBridge(st *store.Store, cipher *crypto.Cipher, defaultOwner string) *Bridge {
	return &Bridge{store: st, cipher: cipher, defaultOwner: defaultOwner}
}

// Provision queues a deployment for a paid order, or links the existing one.
func (b *Bridge) Provision(ctx context.Context, orderID string) (*BridgeResult, error) {
	order, err := b.store.GetOrder(orderID)
	if err != nil {
		return nil, err
	}

	// A deployment already claimed this order: link and report it.
	if existing, err := b.store.GetDeploymentByBillingRef(orderID); err == nil {
		return b.link(order, existing)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	switch order.Status {
	case store.OrderPaid:
	case store.OrderDeploymentCreated:
		if order.DeploymentID != "" {
			dep, err := b.store.GetDeploymentByID(order.DeploymentID)
			if err != nil {
				return nil, err
			}
			return &BridgeResult{Deployment: dep, Created: false}, nil
		}
		return nil, fmt.Errorf("%w: order %s is deployment_created but has no deployment", store.ErrConflict, orderID)
	default:
		return nil, fmt.Errorf("%w: order %s is %s, not paid", store.ErrConflict, orderID, order.Status)
	}
	if order.PaidAt == nil {
		return nil, fmt.Errorf("%w: order %s has no settled payment", store.ErrConflict, orderID)
	}

	intentRaw, err := b.cipher.Decrypt(order.DeployIntentEnc)
	if err != nil {
		msg := "stored payload cannot be decrypted"
		failed, markErr := b.store.MarkOrderFailed(orderID, msg)
		if markErr != nil {
			log.Error().Err(markErr).Str("order", orderID).Msg("Failed to mark order after decrypt failure")
			failed = order
		}
		return nil, &StoredSecretError{Message: msg, Order: failed}
	}

	intent, err := ParseDeploymentInput(intentRaw)
	if err != nil {
		return nil, &ValidationError{Fields: map[string]string{"deployment": err.Error()}}
	}
	if err := intent.Validate(); err != nil {
		return nil, err
	}

	owner := order.Metadata["initiated_by"]
	if owner == "" {
		owner = b.defaultOwner
	}

	configEnc, err := b.cipher.Encrypt(intent.Config())
	if err != nil {
		return nil, fmt.Errorf("encrypt deployment config: %w", err)
	}
	secretsEnc, err := b.cipher.Encrypt(intent.Secrets())
	if err != nil {
		return nil, fmt.Errorf("encrypt deployment secrets: %w", err)
	}

	dep := &store.Deployment{
		Name:        intent.Name,
		OwnerUserID: owner,
		ConfigEnc:   configEnc,
		SecretsEnc:  secretsEnc,
		BillingRef:  orderID,
		Metadata:    map[string]string{"plan_id": order.PlanID, "order_id": orderID},
	}
	if err := b.store.CreateDeployment(dep); err != nil {
		if errors.Is(err, store.ErrDuplicateBillingRef) {
			winner, readErr := b.store.GetDeploymentByBillingRef(orderID)
			if readErr != nil {
				return nil, readErr
			}
			return b.link(order, winner)
		}
		return nil, err
	}

	if _, err := b.store.MarkOrderDeploymentCreated(orderID, dep.ID); err != nil {
		return nil, err
	}
	log.Info().
		Str("order", orderID).
		Str("deployment", dep.ID).
		Str("owner", owner).
		Msg("Order bridged to deployment")
	return &BridgeResult{Deployment: dep, Created: true}, nil
}

// link records an already-existing deployment on the order. Idempotent.
func (b *Bridge) link(order *store.Order, dep *store.Deployment) (*BridgeResult, error) {
	if order.Status != store.OrderDeploymentCreated || order.DeploymentID == "" {
		if _, err := b.store.MarkOrderDeploymentCreated(order.ID, dep.ID); err != nil {
			return nil, err
		}
	}
	return &BridgeResult{Deployment: dep, Created: false}, nil
}
