package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settleline/payflow/internal/core"
	"github.com/settleline/payflow/internal/store"
)

const sampleCSV = `beneficiary,beneficiary_name,beneficiary_ifsc,amount,purpose,reference,currency,gstin
444555666,R Sharma,HDFC0004321,5000.00,VENDOR,TXN-001,INR,29ABCDE1234F1Z5
777888999,K Patel,ICIC0001111,125000,SALARY,TXN-002,,
,No Account,HDFC0009999,100,UTILITY,TXN-003,INR,
111222333,A Gupta,SBIN0002222,not-a-number,TAX,TXN-004,INR,
`

func TestCSVParser_AcceptsGoodRejectsBad(t *testing.T) {
	res, err := (&CSVParser{}).Parse("B-01", []byte(sampleCSV))
	require.NoError(t, err)

	require.Len(t, res.Lines, 2)
	require.Len(t, res.Rejected, 2)

	first := res.Lines[0]
	assert.Equal(t, "444555666", first.Receiver.Account)
	assert.Equal(t, "R Sharma", first.Receiver.Name)
	assert.Equal(t, "VENDOR", first.PurposeCode)
	assert.Equal(t, "TXN-001", first.TransactionID)
	assert.Equal(t, "5000", first.Amount.String())
	assert.Equal(t, "29ABCDE1234F1Z5", first.Extensions["gstin"], "unknown columns survive as extensions")

	second := res.Lines[1]
	assert.Equal(t, "INR", second.Currency, "currency defaults to INR")

	assert.Equal(t, 4, res.Rejected[0].RowNum)
	assert.Contains(t, res.Rejected[0].Reason, "Missing required field 'beneficiary'")
	assert.Contains(t, res.Rejected[1].Reason, "Invalid amount")
}

func TestCSVParser_MissingRequiredColumnIsFatal(t *testing.T) {
	_, err := (&CSVParser{}).Parse("B-01", []byte("beneficiary,amount,purpose\n1,2,3\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reference")
}

const sampleJSON = `{
  "transactions": [
    {
      "transactionId": "TXN-100",
      "amount": 250000.50,
      "currency": "INR",
      "purpose": "SALARY",
      "remitter": {"name": "Acme Traders", "account": "111222333", "ifsc": "HDFC0001234"},
      "beneficiary": {"name": "R Sharma", "account": "444555666", "ifsc": "ICIC0004321"},
      "additionalDetails": {"pan": "ABCDE1234F"},
      "channelHint": "mobile"
    },
    {"transactionId": "TXN-101", "amount": 100},
    {"amount": 50, "beneficiary": {"account": "999"}}
  ]
}`

func TestJSONParser_EnvelopeFormat(t *testing.T) {
	res, err := (&JSONParser{}).Parse("B-02", []byte(sampleJSON))
	require.NoError(t, err)

	require.Len(t, res.Lines, 1)
	require.Len(t, res.Rejected, 2)

	l := res.Lines[0]
	assert.Equal(t, "TXN-100", l.TransactionID)
	assert.Equal(t, "250000.5", l.Amount.String())
	assert.Equal(t, "Acme Traders", l.Sender.Name)
	assert.Equal(t, "ICIC0004321", l.Receiver.IFSC)
	assert.Equal(t, "ABCDE1234F", l.Extensions["pan"], "additionalDetails flatten into extensions")
	assert.Equal(t, "mobile", l.Extensions["channelHint"], "unknown top-level fields survive")

	assert.Contains(t, res.Rejected[0].Reason, "beneficiary")
	assert.Contains(t, res.Rejected[1].Reason, "transactionId")
}

func TestJSONParser_TransactionTypeMapsToPaymentType(t *testing.T) {
	res, err := (&JSONParser{}).Parse("B-02", []byte(`[
		{"transactionId":"T1","transactionType":"vendor_payment","amount":10,"beneficiary":{"account":"1"}},
		{"transactionId":"T2","amount":10,"beneficiary":{"account":"1"}}
	]`))
	require.NoError(t, err)
	require.Len(t, res.Lines, 2)

	assert.Equal(t, core.PaymentVendor, res.Lines[0].PaymentType)
	assert.Empty(t, res.Lines[1].PaymentType, "absent transactionType is left for the classifier")
}

func TestJSONParser_BareArray(t *testing.T) {
	res, err := (&JSONParser{}).Parse("B-03",
		[]byte(`[{"transactionId":"T1","amount":10,"beneficiary":{"account":"1"}}]`))
	require.NoError(t, err)
	assert.Len(t, res.Lines, 1)
}

func TestIngestor_PersistsRejectionsAndFailsEmptyBatch(t *testing.T) {
	st := store.NewMemoryStore()
	ing := NewIngestor(st)
	ctx := context.Background()

	res, err := ing.Ingest(ctx, "B-04", "upload.csv", []byte(sampleCSV))
	require.NoError(t, err)
	assert.Len(t, res.Lines, 2)

	rejected, err := st.ListRejectedRecords(ctx, "B-04")
	require.NoError(t, err)
	assert.Len(t, rejected, 2)

	_, err = ing.Ingest(ctx, "B-05", "empty.csv",
		[]byte("beneficiary,amount,purpose,reference\n,,,\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestParserFor(t *testing.T) {
	assert.IsType(t, &JSONParser{}, ParserFor("batch.JSON"))
	assert.IsType(t, &CSVParser{}, ParserFor("batch.csv"))
	assert.IsType(t, &CSVParser{}, ParserFor("batch"))
}
