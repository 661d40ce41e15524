package ingest

import (
	"bytes"
	"encoding/csv"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/settleline/payflow/internal/core"
)

// CSVParser parses the flat upload format. The header row names the
// columns; order does not matter. Columns beyond the known set are
// preserved under Extensions.
type CSVParser struct{}

// Known column names, lowercased. beneficiary maps to the receiver
// account; beneficiary_name and beneficiary_ifsc fill the rest of the
// party when present.
var csvRequired = []string{"beneficiary", "amount", "purpose", "reference"}

func (p *CSVParser) Parse(batchID string, data []byte) (*Result, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1 // ragged rows rejected per-row, not fatally
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, core.NewFailure(core.ErrValidation, "BAD_CSV", "unreadable CSV header: %v", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, req := range csvRequired {
		if _, ok := cols[req]; !ok {
			return nil, core.NewFailure(core.ErrValidation, "BAD_CSV", "header missing required column %q", req)
		}
	}

	res := &Result{}
	row := 1
	for {
		row++
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			res.Rejected = append(res.Rejected, reject(batchID, row, "", "Unparsable row: %v", err))
			continue
		}
		line, rej := p.parseRow(batchID, row, header, cols, record)
		if rej != nil {
			res.Rejected = append(res.Rejected, rej)
			continue
		}
		res.Lines = append(res.Lines, line)
	}
	return res, nil
}

func (p *CSVParser) parseRow(batchID string, row int, header []string, cols map[string]int, record []string) (*core.Line, *core.RejectedRecord) {
	raw := strings.Join(record, ",")
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	for _, req := range csvRequired {
		if field(req) == "" {
			return nil, reject(batchID, row, raw, "Missing required field '%s'", req)
		}
	}

	amount, err := decimal.NewFromString(field("amount"))
	if err != nil {
		return nil, reject(batchID, row, raw, "Invalid amount %q", field("amount"))
	}
	if !amount.IsPositive() {
		return nil, reject(batchID, row, raw, "Amount must be positive, got %s", amount)
	}

	line := &core.Line{
		BatchID:       batchID,
		LineID:        newLineID(),
		TransactionID: field("reference"),
		Amount:        amount,
		Currency:      strings.ToUpper(field("currency")),
		PurposeCode:   field("purpose"),
		Remarks:       field("remarks"),
		Sender: core.Party{
			Name:    field("sender_name"),
			Account: field("sender_account"),
			IFSC:    field("sender_ifsc"),
		},
		Receiver: core.Party{
			Name:    field("beneficiary_name"),
			Account: field("beneficiary"),
			IFSC:    field("beneficiary_ifsc"),
		},
	}
	if line.Currency == "" {
		line.Currency = "INR"
	}

	known := map[string]struct{}{
		"beneficiary": {}, "beneficiary_name": {}, "beneficiary_ifsc": {},
		"amount": {}, "currency": {}, "purpose": {}, "reference": {}, "remarks": {},
		"sender_name": {}, "sender_account": {}, "sender_ifsc": {},
	}
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		if _, ok := known[name]; ok || i >= len(record) {
			continue
		}
		if v := strings.TrimSpace(record[i]); v != "" {
			if line.Extensions == nil {
				line.Extensions = map[string]interface{}{}
			}
			line.Extensions[name] = v
		}
	}
	return line, nil
}
