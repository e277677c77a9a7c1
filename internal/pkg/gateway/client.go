package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	creditChargePath = "/api/credit"
	checkoutPath     = "/api/upp"

	// renewalPurpose is the callback path segment for credential charges.
	renewalPurpose = "renewal"
)

// ChargeErrorKind classifies a failed charge.
type ChargeErrorKind string

const (
	KindTransport         ChargeErrorKind = "transport"
	KindDeclined          ChargeErrorKind = "declined"
	KindAmbiguous         ChargeErrorKind = "ambiguous"
	KindMissingCredential ChargeErrorKind = "missing_credential"
	KindMissingContact    ChargeErrorKind = "missing_contact"
	KindReauth            ChargeErrorKind = "reauth"
)

// Gateway statuses that mean the stored credential can no longer be charged
// without the payer verifying again.
var reauthStatuses = map[string]bool{
	"CREDIT_HASH_INVALID": true,
	"CREDIT_HASH_EXPIRED": true,
	"3D_REQUIRED":         true,
}

// ChargeError describes why a charge did not succeed.
type ChargeError struct {
	Kind    ChargeErrorKind
	Status  string
	Message string
	Err     error
}

func (e *ChargeError) Error() string {
	msg := fmt.Sprintf("charge %s", e.Kind)
	if e.Status != "" {
		msg += " status=" + e.Status
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ChargeError) Unwrap() error { return e.Err }

// Retryable reports whether a later attempt may succeed without intervention.
func (e *ChargeError) Retryable() bool {
	switch e.Kind {
	case KindMissingCredential, KindMissingContact, KindReauth:
		return false
	default:
		return true
	}
}

// IsRetryable classifies any error returned by Charge. Unknown errors are retryable.
func IsRetryable(err error) bool {
	var ce *ChargeError
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return err != nil
}

// ChargeRequest charges a stored credential token.
type ChargeRequest struct {
	MerTradeNo      string
	Amount          int64
	CredentialToken string
	Email           string
	Description     string
}

// ChargeResult is the verified, decoded gateway answer for a successful charge.
type ChargeResult struct {
	Event  Success
	Fields map[string]string
}

type envelopeResponse struct {
	Status      string `json:"Status"`
	Message     string `json:"Message"`
	MerID       string `json:"MerID"`
	Version     string `json:"Version"`
	EncryptInfo string `json:"EncryptInfo"`
	HashInfo    string `json:"HashInfo"`
}

// Client talks to the gateway's server-to-server API.
type Client struct {
	cfg   Config
	codec *Codec
	http  *resty.Client
	now   func() time.Time
}

// NewClient creates a client with the configured timeout (60s by default).
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		cfg:   cfg,
		codec: cfg.Codec(),
		http: resty.New().
			SetBaseURL(cfg.APIBaseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
		now: time.Now,
	}
}

// Codec exposes the client's payload codec.
func (c *Client) Codec() *Codec {
	return c.codec
}

// Config returns the configuration the client was built with.
func (c *Client) Config() Config {
	return c.cfg
}

// CheckoutURL is the hosted payment page the browser form posts to.
func (c *Client) CheckoutURL() string {
	return c.cfg.APIBaseURL + checkoutPath
}

// CallbackBase is the path prefix of the notify and return endpoints for
// one transaction purpose.
func CallbackBase(publicBase, purpose string) string {
	return strings.TrimRight(publicBase, "/") + "/gateway/" + purpose
}

// NotifyURL is where the gateway pushes server-to-server results for purpose.
func NotifyURL(publicBase, purpose string) string {
	return CallbackBase(publicBase, purpose) + "/notify"
}

// SealForm encrypts and signs fields into the form the gateway accepts.
func (c *Client) SealForm(fields map[string]string) (map[string]string, error) {
	withMer := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		withMer[k] = v
	}
	withMer[FieldMerID] = c.cfg.MerchantID

	encrypted := c.codec.Encrypt(withMer)
	if encrypted == "" {
		return nil, errors.New("gateway: payload encryption failed")
	}
	return map[string]string{
		"MerID":       c.cfg.MerchantID,
		"Version":     apiVersion,
		"EncryptInfo": encrypted,
		"HashInfo":    c.codec.Sign(encrypted),
	}, nil
}

// Charge bills a stored credential token. Every failure is a *ChargeError.
func (c *Client) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if strings.TrimSpace(req.CredentialToken) == "" {
		return nil, &ChargeError{Kind: KindMissingCredential, Message: "no stored credential token"}
	}
	if strings.TrimSpace(req.Email) == "" {
		return nil, &ChargeError{Kind: KindMissingContact, Message: "no billing email"}
	}

	form, err := c.SealForm(map[string]string{
		FieldMerTradeNo: req.MerTradeNo,
		FieldTradeAmt:   strconv.FormatInt(req.Amount, 10),
		FieldTimestamp:  strconv.FormatInt(c.now().Unix(), 10),
		FieldCreditHash: req.CredentialToken,
		FieldProdDesc:   req.Description,
		FieldUsrMail:    req.Email,
		FieldNotifyURL:  NotifyURL(c.cfg.PublicBaseURL, renewalPurpose),
	})
	if err != nil {
		return nil, &ChargeError{Kind: KindAmbiguous, Err: err}
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(form).
		Post(creditChargePath)
	if err != nil {
		return nil, &ChargeError{Kind: KindTransport, Err: err}
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, &ChargeError{Kind: KindTransport, Message: fmt.Sprintf("http status %d", resp.StatusCode())}
	}

	var envelope envelopeResponse
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return nil, &ChargeError{Kind: KindAmbiguous, Message: "unreadable response", Err: err}
	}
	if envelope.EncryptInfo == "" {
		if envelope.Status != "" && !strings.EqualFold(envelope.Status, StatusSuccess) {
			return nil, classifyDecline(envelope.Status, envelope.Message)
		}
		return nil, &ChargeError{Kind: KindAmbiguous, Status: envelope.Status, Message: "response without payload"}
	}
	if !c.codec.Verify(envelope.EncryptInfo, envelope.HashInfo) {
		return nil, &ChargeError{Kind: KindAmbiguous, Message: "response signature mismatch"}
	}
	fields := c.codec.Decrypt(envelope.EncryptInfo)
	ev, err := DecodeEvent(fields)
	if err != nil {
		return nil, &ChargeError{Kind: KindAmbiguous, Err: err}
	}

	switch e := ev.(type) {
	case Success:
		return &ChargeResult{Event: e, Fields: fields}, nil
	case Failed:
		return nil, classifyDecline(e.Status, e.Message)
	default:
		return nil, &ChargeError{Kind: KindAmbiguous, Message: "charge left pending"}
	}
}

func classifyDecline(status, message string) *ChargeError {
	if reauthStatuses[strings.ToUpper(strings.TrimSpace(status))] {
		return &ChargeError{Kind: KindReauth, Status: status, Message: message}
	}
	return &ChargeError{Kind: KindDeclined, Status: status, Message: message}
}
