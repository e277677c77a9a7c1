package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PaySync/app/models"
	"github.com/ManuelReschke/PaySync/app/repository"
	"github.com/ManuelReschke/PaySync/internal/pkg/reconcile"
	"github.com/ManuelReschke/PaySync/internal/pkg/tradeid"
)

const (
	requestTimeout  = 15 * time.Second
	checkoutTimeout = 70 * time.Second

	// ResultPath is where the return channel sends the browser.
	ResultPath = "/payments/result"
)

// ============================================================================
// GATEWAY CONTROLLER - notify/return channels and checkout
// ============================================================================

// GatewayController exposes the two delivery channels and the checkout helper.
type GatewayController struct {
	coordinator *reconcile.Coordinator
	initiator   *reconcile.Initiator
	txns        repository.TransactionRepository
	validate    *validator.Validate
}

// NewGatewayController creates the controller. initiator may be nil when the
// checkout endpoint is not served.
func NewGatewayController(coordinator *reconcile.Coordinator, initiator *reconcile.Initiator, txns repository.TransactionRepository) *GatewayController {
	return &GatewayController{
		coordinator: coordinator,
		initiator:   initiator,
		txns:        txns,
		validate:    validator.New(),
	}
}

// HandleNotify serves the push channel. The body is always SUCCESS or FAIL
// with HTTP 200.
func (gc *GatewayController) HandleNotify(c *fiber.Ctx) error {
	purpose, ok := parsePurpose(c.Params("purpose"))
	if !ok {
		log.Warnf("[Gateway] Notify for unknown purpose %q", c.Params("purpose"))
		return c.Status(fiber.StatusOK).SendString(reconcile.AckFail)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	res := gc.coordinator.Handle(ctx, gc.request(c, reconcile.ChannelNotify, purpose))
	return c.Status(fiber.StatusOK).SendString(res.Ack)
}

// HandleReturn serves the browser redirect channel and sends the user on to
// the result page of the resolved transaction.
func (gc *GatewayController) HandleReturn(c *fiber.Ctx) error {
	purpose, ok := parsePurpose(c.Params("purpose"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_purpose"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	res := gc.coordinator.Handle(ctx, gc.request(c, reconcile.ChannelReturn, purpose))
	if res.Handle == "" {
		return c.Redirect(ResultPath+"?error=unresolved", fiber.StatusSeeOther)
	}
	target := ResultPath + "/" + res.Handle
	if !res.Acknowledged() {
		target += "?error=" + errorCode(res.Err)
	}
	return c.Redirect(target, fiber.StatusSeeOther)
}

// HandleResult returns the public view of a transaction.
func (gc *GatewayController) HandleResult(c *fiber.Ctx) error {
	handle := strings.TrimSpace(c.Params("handle"))
	if handle == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": c.Query("error", "missing_handle")})
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	txn, err := gc.txns.GetByHandle(ctx, handle)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "lookup_failed"})
	}

	return c.Status(fiber.StatusOK).JSON(resultView(txn, c.Query("error")))
}

// CheckoutRequest is the JSON body of HandleCheckout.
type CheckoutRequest struct {
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	Email          string `json:"email" validate:"required,email"`
	Description    string `json:"description" validate:"max=200"`
	Purpose        string `json:"purpose" validate:"omitempty,oneof=payment card_update"`
	SubscriptionID *uint  `json:"subscription_id"`
}

// HandleCheckout creates a pending transaction and returns the sealed form
// the browser posts to the gateway.
func (gc *GatewayController) HandleCheckout(c *fiber.Ctx) error {
	if gc.initiator == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "not_implemented"})
	}

	var req CheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}
	if err := gc.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "validation_failed", "details": err.Error()})
	}
	if req.Purpose == models.TransactionPurposeCardUpdate && req.SubscriptionID == nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "validation_failed", "details": "card_update requires subscription_id"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), checkoutTimeout)
	defer cancel()

	txn := &models.Transaction{
		Amount:         req.Amount,
		Email:          req.Email,
		Purpose:        req.Purpose,
		SubscriptionID: req.SubscriptionID,
	}
	checkout, err := gc.initiator.Begin(ctx, txn, req.Description)
	if err != nil {
		log.Errorf("[Gateway] Checkout failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "checkout_failed"})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"handle":       checkout.Transaction.Handle,
		"mer_trade_no": checkout.MerTradeNo,
		"action":       checkout.Action,
		"fields":       checkout.Fields,
	})
}

func (gc *GatewayController) request(c *fiber.Ctx, channel string, purpose tradeid.Purpose) reconcile.Request {
	return reconcile.Request{
		Channel:     channel,
		Purpose:     purpose,
		EncryptInfo: param(c, "EncryptInfo"),
		HashInfo:    param(c, "HashInfo"),
		Hints: tradeid.Hints{
			RecordID: param(c, "txn"),
			State:    param(c, "state"),
		},
	}
}

// param reads a value from the form body first, then the query string.
func param(c *fiber.Ctx, key string) string {
	if v := strings.TrimSpace(c.FormValue(key)); v != "" {
		return v
	}
	return strings.TrimSpace(c.Query(key))
}

func parsePurpose(raw string) (tradeid.Purpose, bool) {
	p := tradeid.Purpose(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_"))
	return p, p.Valid()
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, reconcile.ErrPurposeMismatch), errors.Is(err, reconcile.ErrRecordMismatch):
		return "mismatch"
	case err == nil:
		return "unknown"
	default:
		return "processing_failed"
	}
}

func resultView(txn *models.Transaction, errCode string) fiber.Map {
	view := fiber.Map{
		"handle":  txn.Handle,
		"status":  txn.Status,
		"purpose": txn.Purpose,
		"amount":  txn.Amount,
		"paid_at": formatTimePtr(txn.PaidAt),
	}
	if txn.Status == models.TransactionStatusPending {
		if payNo := txn.Metadata["gateway_pay_no"]; payNo != "" {
			view["pay_no"] = payNo
			view["expire_date"] = txn.Metadata["gateway_expire_date"]
		}
	}
	if errCode != "" {
		view["error"] = errCode
	}
	return view
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
