package ingest

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/settleline/payflow/internal/core"
)

// JSONParser parses the bank-API upload format: either an envelope
// {"transactions": [...]} or a bare array. Unknown fields on each
// transaction are preserved under Extensions.
type JSONParser struct{}

type jsonEnvelope struct {
	Transactions []json.RawMessage `json:"transactions"`
}

// jsonParty mirrors the bank API party shape.
type jsonParty struct {
	Name    string `json:"name"`
	Account string `json:"account"`
	IFSC    string `json:"ifsc"`
	Bank    string `json:"bank"`
}

// jsonTransaction is the typed subset of a bank-API transaction.
type jsonTransaction struct {
	TransactionID     string                 `json:"transactionId"`
	TransactionType   string                 `json:"transactionType"`
	Amount            json.Number            `json:"amount"`
	Currency          string                 `json:"currency"`
	Purpose           string                 `json:"purpose"`
	Remarks           string                 `json:"remarks"`
	Remitter          *jsonParty             `json:"remitter"`
	Beneficiary       *jsonParty             `json:"beneficiary"`
	AdditionalDetails map[string]interface{} `json:"additionalDetails"`
}

// typedKeys are the top-level fields the contract knows; anything else
// on the raw object lands in Extensions alongside additionalDetails.
var typedKeys = map[string]struct{}{
	"transactionId": {}, "transactionType": {}, "amount": {}, "currency": {},
	"purpose": {}, "remarks": {}, "remitter": {}, "beneficiary": {},
	"additionalDetails": {}, "response": {},
}

func (p *JSONParser) Parse(batchID string, data []byte) (*Result, error) {
	var rows []json.RawMessage
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err == nil && env.Transactions != nil {
		rows = env.Transactions
	} else if err := json.Unmarshal(data, &rows); err != nil {
		return nil, core.NewFailure(core.ErrValidation, "BAD_JSON", "upload is neither an envelope nor an array: %v", err)
	}

	res := &Result{}
	for i, raw := range rows {
		line, rej := p.parseTransaction(batchID, i+1, raw)
		if rej != nil {
			res.Rejected = append(res.Rejected, rej)
			continue
		}
		res.Lines = append(res.Lines, line)
	}
	return res, nil
}

func (p *JSONParser) parseTransaction(batchID string, row int, raw json.RawMessage) (*core.Line, *core.RejectedRecord) {
	var tx jsonTransaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, reject(batchID, row, string(raw), "Unparsable transaction: %v", err)
	}

	if tx.TransactionID == "" {
		return nil, reject(batchID, row, string(raw), "Missing required field 'transactionId'")
	}
	if tx.Beneficiary == nil || tx.Beneficiary.Account == "" {
		return nil, reject(batchID, row, string(raw), "Missing required field 'beneficiary'")
	}
	if tx.Amount == "" {
		return nil, reject(batchID, row, string(raw), "Missing required field 'amount'")
	}
	amount, err := decimal.NewFromString(tx.Amount.String())
	if err != nil {
		return nil, reject(batchID, row, string(raw), "Invalid amount %q", tx.Amount.String())
	}
	if !amount.IsPositive() {
		return nil, reject(batchID, row, string(raw), "Amount must be positive, got %s", amount)
	}

	line := &core.Line{
		BatchID:       batchID,
		LineID:        newLineID(),
		TransactionID: tx.TransactionID,
		// Absent transactionType leaves PaymentType empty for the
		// classifier to infer.
		PaymentType: core.PaymentType(strings.ToUpper(strings.TrimSpace(tx.TransactionType))),
		Amount:      amount,
		Currency:    tx.Currency,
		PurposeCode: tx.Purpose,
		Remarks:     tx.Remarks,
	}
	if line.Currency == "" {
		line.Currency = "INR"
	}
	if tx.Remitter != nil {
		line.Sender = core.Party{
			Name: tx.Remitter.Name, Account: tx.Remitter.Account,
			IFSC: tx.Remitter.IFSC, Bank: tx.Remitter.Bank,
		}
	}
	line.Receiver = core.Party{
		Name: tx.Beneficiary.Name, Account: tx.Beneficiary.Account,
		IFSC: tx.Beneficiary.IFSC, Bank: tx.Beneficiary.Bank,
	}

	for k, v := range tx.AdditionalDetails {
		if line.Extensions == nil {
			line.Extensions = map[string]interface{}{}
		}
		line.Extensions[k] = v
	}
	// Unknown top-level fields survive too.
	var full map[string]interface{}
	if err := json.Unmarshal(raw, &full); err == nil {
		for k, v := range full {
			if _, ok := typedKeys[k]; ok {
				continue
			}
			if line.Extensions == nil {
				line.Extensions = map[string]interface{}{}
			}
			line.Extensions[k] = v
		}
	}
	return line, nil
}
