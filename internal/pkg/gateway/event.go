package gateway

import (
	"errors"
	"strconv"
	"strings"
)

// Decrypted payload field names.
const (
	FieldStatus      = "Status"
	FieldMessage     = "Message"
	FieldMerID       = "MerID"
	FieldMerTradeNo  = "MerTradeNo"
	FieldTradeNo     = "TradeNo"
	FieldTradeAmt    = "TradeAmt"
	FieldTradeStatus = "TradeStatus"
	FieldPaymentType = "PaymentType"
	FieldPayNo       = "PayNo"
	FieldExpireDate  = "ExpireDate"
	FieldCreditHash  = "CreditHash"
	FieldTimestamp   = "Timestamp"
	FieldReturnURL   = "ReturnURL"
	FieldNotifyURL   = "NotifyURL"
	FieldProdDesc    = "ProdDesc"
	FieldUsrMail     = "UsrMail"
	FieldCreditToken = "CreditToken"
)

// StatusSuccess is the gateway's literal success status.
const StatusSuccess = "SUCCESS"

// Trade status values reported alongside StatusSuccess.
const (
	TradeStatusUnpaid = "0"
	TradeStatusPaid   = "1"
)

// Payment sub-types.
const (
	PaymentTypeCredit = "1"
	PaymentTypeATM    = "2"
	PaymentTypeCVS    = "3"
)

// Metadata keys written into Transaction.Metadata.
const (
	MetaTradeNo     = "gateway_trade_no"
	MetaPaymentType = "gateway_payment_type"
	MetaAmount      = "gateway_amount"
	MetaPayNo       = "gateway_pay_no"
	MetaExpireDate  = "gateway_expire_date"
	MetaStatus      = "gateway_status"
	MetaMessage     = "gateway_message"
)

// ErrEmptyPayload is returned by DecodeEvent for an empty field set.
var ErrEmptyPayload = errors.New("gateway: empty payload")

// Event is a decoded gateway outcome: one of Success, Pending or Failed.
type Event interface {
	Common() Envelope
	// Metadata returns the gateway fields this variant contributes to the record.
	Metadata() map[string]string
	isEvent()
}

// Envelope holds the fields shared by every outcome.
type Envelope struct {
	MerTradeNo  string
	TradeNo     string
	Amount      int64
	PaymentType string
}

type Success struct {
	Envelope
	CredentialToken string
}

// Pending is a deferred-settlement instrument waiting for the payer.
type Pending struct {
	Envelope
	PayNo      string
	ExpireDate string
}

type Failed struct {
	Envelope
	Status  string
	Message string
}

func (Success) isEvent() {}
func (Pending) isEvent() {}
func (Failed) isEvent()  {}

func (e Success) Common() Envelope { return e.Envelope }
func (e Pending) Common() Envelope { return e.Envelope }
func (e Failed) Common() Envelope  { return e.Envelope }

func (e Success) Metadata() map[string]string {
	return e.Envelope.metadata()
}

func (e Pending) Metadata() map[string]string {
	m := e.Envelope.metadata()
	setIfPresent(m, MetaPayNo, e.PayNo)
	setIfPresent(m, MetaExpireDate, e.ExpireDate)
	return m
}

func (e Failed) Metadata() map[string]string {
	m := e.Envelope.metadata()
	setIfPresent(m, MetaStatus, e.Status)
	setIfPresent(m, MetaMessage, e.Message)
	return m
}

func (e Envelope) metadata() map[string]string {
	m := map[string]string{}
	setIfPresent(m, MetaTradeNo, e.TradeNo)
	setIfPresent(m, MetaPaymentType, e.PaymentType)
	if e.Amount > 0 {
		m[MetaAmount] = strconv.FormatInt(e.Amount, 10)
	}
	return m
}

// DecodeEvent classifies a decrypted field set into exactly one Event variant.
func DecodeEvent(fields map[string]string) (Event, error) {
	if len(fields) == 0 {
		return nil, ErrEmptyPayload
	}

	env := Envelope{
		MerTradeNo:  field(fields, FieldMerTradeNo),
		TradeNo:     field(fields, FieldTradeNo),
		PaymentType: field(fields, FieldPaymentType),
	}
	if amt, err := strconv.ParseInt(field(fields, FieldTradeAmt), 10, 64); err == nil && amt > 0 {
		env.Amount = amt
	}

	status := field(fields, FieldStatus)
	if !strings.EqualFold(status, StatusSuccess) {
		return Failed{Envelope: env, Status: status, Message: field(fields, FieldMessage)}, nil
	}

	switch tradeStatus := field(fields, FieldTradeStatus); tradeStatus {
	case "", TradeStatusPaid:
		return Success{Envelope: env, CredentialToken: field(fields, FieldCreditHash)}, nil
	case TradeStatusUnpaid:
		if isDeferredSettlement(env.PaymentType, fields) {
			return Pending{
				Envelope:   env,
				PayNo:      field(fields, FieldPayNo),
				ExpireDate: field(fields, FieldExpireDate),
			}, nil
		}
		return Failed{Envelope: env, Status: "UNPAID", Message: field(fields, FieldMessage)}, nil
	default:
		return Failed{Envelope: env, Status: "TRADE_STATUS_" + tradeStatus, Message: field(fields, FieldMessage)}, nil
	}
}

// IsSuccess reports whether ev is the Success variant.
func IsSuccess(ev Event) bool {
	_, ok := ev.(Success)
	return ok
}

func isDeferredSettlement(paymentType string, fields map[string]string) bool {
	switch paymentType {
	case PaymentTypeATM, PaymentTypeCVS:
		return true
	}
	return field(fields, FieldPayNo) != ""
}

func field(fields map[string]string, key string) string {
	return strings.TrimSpace(fields[key])
}

func setIfPresent(m map[string]string, key, value string) {
	if value != "" {
		m[key] = value
	}
}
