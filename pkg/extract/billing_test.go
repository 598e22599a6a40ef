package extract

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/Sternrassler/bulkfetch/pkg/client"
	"github.com/Sternrassler/bulkfetch/pkg/record"
)

func body(s string) *client.Response {
	return &client.Response{StatusCode: 200, Body: []byte(s)}
}

const twoCycles = `{
  "1700000000": {
    "billingStartTs": 1700000000,
    "billingEndTs": 1702592000,
    "invoiceDataList": [
      {"chargeType": "TOTAL", "chargeName": "Total", "cost": 88.5},
      {"chargeType": "BB_AMOUNT", "chargeName": "Budget", "cost": 75}
    ]
  },
  "1690000000": {
    "billingStartTs": 1690000000,
    "billingEndTs": 1692592000,
    "invoiceDataList": [
      {"chargeType": "BB_AMOUNT", "chargeName": "Budget", "cost": 70},
      {"chargeType": "TOTAL", "chargeName": "Total", "cost": 81.25},
      {"chargeType": "TAX", "chargeName": "Tax", "cost": 3}
    ]
  }
}`

func TestBilling_URL(t *testing.T) {
	b := NewBilling(BillingConfig{BaseURL: "https://api.example.com/"})

	want := "https://api.example.com/billingdata/users/u-1/homes/1/utilitydata?t0=1&t1=2110163358"
	if got := b.URL("u-1"); got != want {
		t.Errorf("URL() = %q, want %q", got, want)
	}
}

func TestBilling_Extract(t *testing.T) {
	b := NewBilling(BillingConfig{})

	rows, err := b.Extract(context.Background(), "u-1", body(twoCycles), nil)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}

	wantCols := []string{
		"uuid",
		"billingStartTs_1", "billingEndTs_1",
		"BB_AMOUNT_chargeName_1", "BB_AMOUNT_chargeType_1", "BB_AMOUNT_cost_1",
		"TOTAL_chargeName_1", "TOTAL_chargeType_1", "TOTAL_cost_1",
		"billingStartTs_2", "billingEndTs_2",
		"BB_AMOUNT_chargeName_2", "BB_AMOUNT_chargeType_2", "BB_AMOUNT_cost_2",
		"TOTAL_chargeName_2", "TOTAL_chargeType_2", "TOTAL_cost_2",
	}
	row := rows[0]
	if !reflect.DeepEqual(row.Columns(), wantCols) {
		t.Errorf("Columns() = %v\nwant %v", row.Columns(), wantCols)
	}

	// cycles are ordered by start timestamp, not by key order
	checks := map[string]string{
		"uuid":               "u-1",
		"billingStartTs_1":   "1690000000",
		"TOTAL_cost_1":       "81.25",
		"BB_AMOUNT_cost_2":   "75",
		"TOTAL_chargeName_2": "Total",
	}
	for col, want := range checks {
		if got, _ := row.Get(col); got != want {
			t.Errorf("%s = %q, want %q", col, got, want)
		}
	}

	if err := CheckRows(b, rows); err != nil {
		t.Errorf("CheckRows() error = %v", err)
	}
}

func TestBilling_MissingChargeIsIncomplete(t *testing.T) {
	payload := `{"a": {"billingStartTs": 1, "invoiceDataList": [{"chargeType": "TOTAL", "cost": 1}]}}`

	_, err := NewBilling(BillingConfig{}).Extract(context.Background(), "u-1", body(payload), nil)
	if !errors.Is(err, ErrIncompleteData) {
		t.Fatalf("Expected ErrIncompleteData, got %v", err)
	}
	if !strings.Contains(err.Error(), "BB_AMOUNT") {
		t.Errorf("error should name the missing charge: %v", err)
	}

	if o := Classify("u-1", nil, err); o.Status != record.StatusInvalid {
		t.Errorf("Classify status = %s, want invalid", o.Status)
	}
}

func TestBilling_EmptyAndMalformed(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		incomplete bool
	}{
		{"empty object", `{}`, true},
		{"array payload", `[]`, true},
		{"malformed", `{"a":`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBilling(BillingConfig{}).Extract(context.Background(), "u-1", body(tt.payload), nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, ErrIncompleteData); got != tt.incomplete {
				t.Errorf("errors.Is(ErrIncompleteData) = %v, want %v (%v)", got, tt.incomplete, err)
			}
		})
	}
}

func TestBilling_CustomCharges(t *testing.T) {
	b := NewBilling(BillingConfig{RequiredCharges: []string{"TAX"}})

	_, err := b.Extract(context.Background(), "u-1", body(twoCycles), nil)
	if !errors.Is(err, ErrIncompleteData) {
		t.Errorf("cycle without TAX should be incomplete, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	rows := []record.Record{record.New()}

	if o := Classify("a", rows, nil); o.Status != record.StatusSuccess || len(o.Rows) != 1 {
		t.Errorf("success outcome = %+v", o)
	}
	if o := Classify("a", nil, errors.New("boom")); o.Status != record.StatusFailed || o.Reason != "boom" {
		t.Errorf("failed outcome = %+v", o)
	}
}
