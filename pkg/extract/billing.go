package extract

import (
	"cmp"
	"context"
	"fmt"
	"net/url"
	"slices"
	"strconv"

	"github.com/Sternrassler/bulkfetch/pkg/client"
	"github.com/Sternrassler/bulkfetch/pkg/record"
	"github.com/tidwall/gjson"
)

// BillingConfig configures the billing-cycle extractor.
type BillingConfig struct {
	BaseURL string

	// Home is the home index in the billing path.
	Home string

	// T0 and T1 bound the requested billing window (epoch seconds).
	T0, T1 int64

	// RequiredCharges must all be present in every cycle.
	RequiredCharges []string
}

// DefaultBillingConfig returns the settings used for utility billing exports.
func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		Home:            "1",
		T0:              1,
		T1:              2110163358,
		RequiredCharges: []string{"BB_AMOUNT", "TOTAL"},
	}
}

// Billing flattens all billing cycles of a user into a single row.
//
// Row layout: uuid, then per cycle i (1-based, ordered by billingStartTs):
// billingStartTs_i, billingEndTs_i and for each required charge C
// C_chargeName_i, C_chargeType_i, C_cost_i.
type Billing struct {
	cfg BillingConfig
}

// NewBilling creates a billing extractor. Unset fields take defaults.
func NewBilling(cfg BillingConfig) *Billing {
	def := DefaultBillingConfig()
	if cfg.Home == "" {
		cfg.Home = def.Home
	}
	if cfg.T0 == 0 && cfg.T1 == 0 {
		cfg.T0, cfg.T1 = def.T0, def.T1
	}
	if len(cfg.RequiredCharges) == 0 {
		cfg.RequiredCharges = def.RequiredCharges
	}
	return &Billing{cfg: cfg}
}

func (b *Billing) Name() string     { return "billing" }
func (b *Billing) IDColumn() string { return "uuid" }

func (b *Billing) URL(id string) string {
	q := url.Values{}
	q.Set("t0", strconv.FormatInt(b.cfg.T0, 10))
	q.Set("t1", strconv.FormatInt(b.cfg.T1, 10))
	path := fmt.Sprintf("/billingdata/users/%s/homes/%s/utilitydata", url.PathEscape(id), url.PathEscape(b.cfg.Home))
	return joinURL(b.cfg.BaseURL, path) + "?" + q.Encode()
}

type cycle struct {
	start   int64
	data    gjson.Result
	charges map[string]gjson.Result
}

// Extract needs no secondary calls; get is unused.
func (b *Billing) Extract(ctx context.Context, id string, resp *client.Response, get Getter) ([]record.Record, error) {
	if !gjson.ValidBytes(resp.Body) {
		return nil, fmt.Errorf("billing: malformed JSON for %s", id)
	}

	payload := gjson.ParseBytes(resp.Body)
	if !payload.IsObject() {
		return nil, fmt.Errorf("%w: billing payload is not an object", ErrIncompleteData)
	}

	var cycles []cycle
	payload.ForEach(func(_, bill gjson.Result) bool {
		c := cycle{
			start:   bill.Get("billingStartTs").Int(),
			data:    bill,
			charges: make(map[string]gjson.Result),
		}
		for _, inv := range bill.Get("invoiceDataList").Array() {
			c.charges[inv.Get("chargeType").String()] = inv
		}
		cycles = append(cycles, c)
		return true
	})
	if len(cycles) == 0 {
		return nil, fmt.Errorf("%w: no billing cycles", ErrIncompleteData)
	}

	slices.SortStableFunc(cycles, func(x, y cycle) int {
		return cmp.Compare(x.start, y.start)
	})

	row := record.New()
	row.Set(b.IDColumn(), id)
	for i, c := range cycles {
		n := strconv.Itoa(i + 1)
		for _, charge := range b.cfg.RequiredCharges {
			if _, ok := c.charges[charge]; !ok {
				return nil, fmt.Errorf("%w: cycle %s missing charge type %s", ErrIncompleteData, n, charge)
			}
		}

		row.Set("billingStartTs_"+n, c.data.Get("billingStartTs").String())
		row.Set("billingEndTs_"+n, c.data.Get("billingEndTs").String())
		for _, charge := range b.cfg.RequiredCharges {
			inv := c.charges[charge]
			row.Set(charge+"_chargeName_"+n, inv.Get("chargeName").String())
			row.Set(charge+"_chargeType_"+n, inv.Get("chargeType").String())
			row.Set(charge+"_cost_"+n, inv.Get("cost").String())
		}
	}

	return []record.Record{row}, nil
}
