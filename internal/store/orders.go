package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// OrderStatus is the lifecycle state of a payment attempt.
type OrderStatus string

const (
	OrderPendingPayment    OrderStatus = "pending_payment"
	OrderPaid              OrderStatus = "paid"
	OrderDeploymentCreated OrderStatus = "deployment_created"
	OrderExpired           OrderStatus = "expired"
	OrderFailed            OrderStatus = "failed"
	OrderCanceled          OrderStatus = "canceled"
)

// ErrNotFound is returned when a lookup misses.
var ErrNotFound = errors.New("not found")

var currencyRe = regexp.MustCompile(`^[a-z]{3}$`)

// Order is a payment attempt bound to a plan and an encrypted deployment intent.
type Order struct {
	ID                string            `json:"id"`
	Provider          string            `json:"provider"`
	Status            OrderStatus       `json:"status"`
	PlanID            string            `json:"planId"`
	Amount            int64             `json:"amount"`
	Currency          string            `json:"currency"`
	DeployIntentEnc   string            `json:"-"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CheckoutSessionID string            `json:"checkoutSessionId,omitempty"`
	CheckoutURL       string            `json:"checkoutUrl,omitempty"`
	PaymentIntentID   string            `json:"paymentIntentId,omitempty"`
	CustomerID        string            `json:"customerId,omitempty"`
	CustomerEmail     string            `json:"customerEmail,omitempty"`
	DeploymentID      string            `json:"deploymentId,omitempty"`
	ErrorMessage      string            `json:"errorMessage,omitempty"`
	CreatedAt         int64             `json:"createdAt"`
	UpdatedAt         int64             `json:"updatedAt"`
	PaidAt            *int64            `json:"paidAt,omitempty"`
	CompletedAt       *int64            `json:"completedAt,omitempty"`
}

// OrderEvent is an append-only audit entry for an order.
type OrderEvent struct {
	ID        int64           `json:"id"`
	OrderID   string          `json:"orderId"`
	Type      string          `json:"type"`
	Message   string          `json:"message"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt int64           `json:"createdAt"`
}

const orderColumns = `id, provider, status, plan_id, amount, currency,
	deploy_intent_enc, metadata, checkout_session_id, checkout_url,
	payment_intent_id, customer_id, customer_email, deployment_id,
	error_message, created_at, updated_at, paid_at, completed_at`

// CreateOrder inserts a new order in pending_payment. Amount must be
// positive and currency a lowercase ISO-4217 code.
func (s *Store) CreateOrder(o *Order) error {
	if o == nil {
		return fmt.Errorf("order is nil")
	}
	if o.Amount <= 0 {
		return fmt.Errorf("order amount must be positive, got %d", o.Amount)
	}
	if !currencyRe.MatchString(o.Currency) {
		return fmt.Errorf("order currency must match ^[a-z]{3}$, got %q", o.Currency)
	}
	if o.ID == "" {
		id, err := GenerateOrderID()
		if err != nil {
			return err
		}
		o.ID = id
	}
	if o.Provider == "" {
		o.Provider = "stripe"
	}
	if o.Status == "" {
		o.Status = OrderPendingPayment
	}
	now := nowMs()
	o.CreatedAt = now
	o.UpdatedAt = now

	meta, err := encodeMetadata(o.Metadata)
	if err != nil {
		return err
	}

	_, err = s.orders.Exec(`
		INSERT INTO orders (
			id, provider, status, plan_id, amount, currency,
			deploy_intent_enc, metadata, checkout_session_id, checkout_url,
			payment_intent_id, customer_id, customer_email, deployment_id,
			error_message, created_at, updated_at, paid_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)`,
		o.ID, o.Provider, string(o.Status), o.PlanID, o.Amount, o.Currency,
		o.DeployIntentEnc, meta, nullableStr(o.CheckoutSessionID), o.CheckoutURL,
		o.PaymentIntentID, o.CustomerID, o.CustomerEmail, nullableStr(o.DeploymentID),
		nullableStr(o.ErrorMessage), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

// GetOrder retrieves an order by ID. Returns ErrNotFound on a miss.
func (s *Store) GetOrder(id string) (*Order, error) {
	row := s.orders.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	return scanOrder(row)
}

// GetOrderByCheckoutSession retrieves an order by its checkout session ID.
func (s *Store) GetOrderByCheckoutSession(sessionID string) (*Order, error) {
	row := s.orders.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE checkout_session_id = ?`, sessionID)
	return scanOrder(row)
}

// ListOrders returns the most recent orders, newest first.
func (s *Store) ListOrders(limit int) ([]*Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.orders.Query(`SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// AttachCheckoutSession records the hosted checkout session linkage on an
// order. Customer details are filled only where currently empty.
func (s *Store) AttachCheckoutSession(orderID, sessionID, checkoutURL, customerID, customerEmail string) (*Order, error) {
	_, err := s.orders.Exec(`
		UPDATE orders SET
			checkout_session_id = COALESCE(checkout_session_id, ?),
			checkout_url = CASE WHEN checkout_url = '' THEN ? ELSE checkout_url END,
			customer_id = CASE WHEN customer_id = '' THEN ? ELSE customer_id END,
			customer_email = CASE WHEN customer_email = '' THEN ? ELSE customer_email END,
			updated_at = ?
		WHERE id = ?`,
		nullableStr(sessionID), checkoutURL, customerID, customerEmail, nowMs(), orderID)
	if err != nil {
		return nil, fmt.Errorf("attach checkout session: %w", err)
	}
	return s.GetOrder(orderID)
}

// MarkOrderPaid advances pending_payment or failed to paid, filling payment
// references with COALESCE semantics and clearing the error message. Any
// other source state is a no-op that returns the current row.
func (s *Store) MarkOrderPaid(orderID, paymentIntentID, customerID, customerEmail string) (*Order, error) {
	now := nowMs()
	res, err := s.orders.Exec(`
		UPDATE orders SET
			status = ?,
			payment_intent_id = CASE WHEN payment_intent_id = '' THEN ? ELSE payment_intent_id END,
			customer_id = CASE WHEN customer_id = '' THEN ? ELSE customer_id END,
			customer_email = CASE WHEN customer_email = '' THEN ? ELSE customer_email END,
			paid_at = COALESCE(paid_at, ?),
			error_message = NULL,
			updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(OrderPaid), paymentIntentID, customerID, customerEmail, now, now,
		orderID, string(OrderPendingPayment), string(OrderFailed))
	if err != nil {
		return nil, fmt.Errorf("mark order paid: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.appendOrderEvent(orderID, "order.paid", "payment settled", nil)
	}
	return s.GetOrder(orderID)
}

// MarkOrderFailed records a recoverable failure. Terminal orders
// (deployment_created, expired, canceled) are never downgraded.
func (s *Store) MarkOrderFailed(orderID, message string) (*Order, error) {
	res, err := s.orders.Exec(`
		UPDATE orders SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(OrderFailed), message, nowMs(),
		orderID, string(OrderPendingPayment), string(OrderPaid))
	if err != nil {
		return nil, fmt.Errorf("mark order failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.appendOrderEvent(orderID, "order.failed", message, nil)
	}
	return s.GetOrder(orderID)
}

// MarkOrderExpiredByCheckoutSession expires the pending order bound to the
// given checkout session.
func (s *Store) MarkOrderExpiredByCheckoutSession(sessionID string) (*Order, error) {
	res, err := s.orders.Exec(`
		UPDATE orders SET status = ?, completed_at = ?, updated_at = ?
		WHERE checkout_session_id = ? AND status = ?`,
		string(OrderExpired), nowMs(), nowMs(), sessionID, string(OrderPendingPayment))
	if err != nil {
		return nil, fmt.Errorf("mark order expired: %w", err)
	}
	o, err := s.GetOrderByCheckoutSession(sessionID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.appendOrderEvent(o.ID, "order.expired", "checkout session expired", nil)
	}
	return o, nil
}

// MarkOrderDeploymentCreated advances a paid order to its terminal success
// state and links the deployment. The link, once set, is never cleared.
func (s *Store) MarkOrderDeploymentCreated(orderID, deploymentID string) (*Order, error) {
	now := nowMs()
	res, err := s.orders.Exec(`
		UPDATE orders SET
			status = ?,
			deployment_id = COALESCE(deployment_id, ?),
			completed_at = COALESCE(completed_at, ?),
			error_message = NULL,
			updated_at = ?
		WHERE id = ? AND status = ?`,
		string(OrderDeploymentCreated), deploymentID, now, now,
		orderID, string(OrderPaid))
	if err != nil {
		return nil, fmt.Errorf("mark order deployment created: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.appendOrderEvent(orderID, "order.deployment_created", "deployment queued", json.RawMessage(fmt.Sprintf(`{"deploymentId":%q}`, deploymentID)))
	}
	return s.GetOrder(orderID)
}

// MarkOrderCanceled is reserved for administrative tooling. Only a
// pending_payment order can be canceled.
func (s *Store) MarkOrderCanceled(orderID, message string) (*Order, error) {
	res, err := s.orders.Exec(`
		UPDATE orders SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(OrderCanceled), nullableStr(message), nowMs(), nowMs(),
		orderID, string(OrderPendingPayment))
	if err != nil {
		return nil, fmt.Errorf("mark order canceled: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.appendOrderEvent(orderID, "order.canceled", message, nil)
	}
	return s.GetOrder(orderID)
}

// AppendOrderEvent appends an audit entry for an order.
func (s *Store) AppendOrderEvent(orderID, eventType, message string, payload json.RawMessage) error {
	return s.appendOrderEvent(orderID, eventType, message, payload)
}

func (s *Store) appendOrderEvent(orderID, eventType, message string, payload json.RawMessage) error {
	var p any
	if len(payload) > 0 {
		p = string(payload)
	}
	_, err := s.orders.Exec(`
		INSERT INTO order_events (order_id, type, message, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		orderID, eventType, message, p, nowMs())
	if err != nil {
		return fmt.Errorf("append order event: %w", err)
	}
	s.hooks.publish(Change{Kind: ChangeEventAppended, OrderID: orderID, EventType: eventType})
	return nil
}

// ListOrderEvents returns the events for an order in append order.
func (s *Store) ListOrderEvents(orderID string) ([]*OrderEvent, error) {
	rows, err := s.orders.Query(`
		SELECT id, order_id, type, message, payload, created_at
		FROM order_events WHERE order_id = ? ORDER BY id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list order events: %w", err)
	}
	defer rows.Close()

	var out []*OrderEvent
	for rows.Next() {
		var e OrderEvent
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Type, &e.Message, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order event: %w", err)
		}
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func scanOrder(sc scanner) (*Order, error) {
	var o Order
	var status string
	var meta string
	var sessionID, deploymentID, errMsg sql.NullString
	var paidAt, completedAt sql.NullInt64

	err := sc.Scan(
		&o.ID, &o.Provider, &status, &o.PlanID, &o.Amount, &o.Currency,
		&o.DeployIntentEnc, &meta, &sessionID, &o.CheckoutURL,
		&o.PaymentIntentID, &o.CustomerID, &o.CustomerEmail, &deploymentID,
		&errMsg, &o.CreatedAt, &o.UpdatedAt, &paidAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}

	o.Status = OrderStatus(status)
	o.Metadata = decodeMetadata(meta)
	o.CheckoutSessionID = sessionID.String
	o.DeploymentID = deploymentID.String
	o.ErrorMessage = errMsg.String
	if paidAt.Valid {
		v := paidAt.Int64
		o.PaidAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Int64
		o.CompletedAt = &v
	}
	return &o, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(s string) map[string]string {
	if s == "" || s == "{}" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
