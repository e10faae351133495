package shopify

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// ID is a store resource identifier. The API emits numeric ids while this
// service handles ids as strings throughout, so both encodings decode.
type ID string

// UnmarshalJSON accepts both quoted and bare numeric identifiers.
func (id *ID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*id = ""
		return nil
	}
	if trimmed[0] == '"' {
		if len(trimmed) < 2 || trimmed[len(trimmed)-1] != '"' {
			return fmt.Errorf("shopify: malformed id %q", string(data))
		}
		*id = ID(trimmed[1 : len(trimmed)-1])
		return nil
	}
	*id = ID(trimmed)
	return nil
}

// String returns the id as a plain string.
func (id ID) String() string { return string(id) }

// Order is the external order representation returned by the store API.
type Order struct {
	ID                ID              `json:"id"`
	Name              string          `json:"name"`
	OrderNumber       int64           `json:"order_number"`
	Email             string          `json:"email"`
	FinancialStatus   string          `json:"financial_status"`
	FulfillmentStatus string          `json:"fulfillment_status"`
	Currency          string          `json:"currency"`
	TotalPrice        string          `json:"total_price"`
	Tags              string          `json:"tags"`
	CancelReason      *string         `json:"cancel_reason"`
	CancelledAt       *time.Time      `json:"cancelled_at"`
	ClosedAt          *time.Time      `json:"closed_at"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	LineItems         []OrderLineItem `json:"line_items"`

	// Raw is the order object exactly as the store returned it.
	Raw map[string]any `json:"-"`
}

// OrderLineItem is a line item inside an external order.
type OrderLineItem struct {
	ID                ID                 `json:"id"`
	ProductID         ID                 `json:"product_id"`
	Title             string             `json:"title"`
	Quantity          int                `json:"quantity"`
	Price             string             `json:"price"`
	Vendor            string             `json:"vendor"`
	FulfillmentStatus string             `json:"fulfillment_status"`
	Properties        []LineItemProperty `json:"properties"`
}

// LineItemProperty is a custom name/value pair attached to a line item.
type LineItemProperty struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Metafield is a namespaced key/value attached to a store resource.
type Metafield struct {
	ID        ID     `json:"id"`
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	Type      string `json:"type"`
}

// HasTag reports whether the comma-separated tag list contains tag.
func (o Order) HasTag(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return false
	}
	for _, candidate := range strings.Split(o.Tags, ",") {
		if strings.ToLower(strings.TrimSpace(candidate)) == tag {
			return true
		}
	}
	return false
}

// PropertyValue returns the value of the named line item property, if present.
func (li OrderLineItem) PropertyValue(name string) (string, bool) {
	for _, prop := range li.Properties {
		if strings.EqualFold(strings.TrimSpace(prop.Name), strings.TrimSpace(name)) {
			return prop.Value, true
		}
	}
	return "", false
}

// ParsePriceCents converts the store's decimal price strings ("200.00") into
// integer cents. Prices carry at most two decimal places.
func ParsePriceCents(price string) (int64, error) {
	trimmed := strings.TrimSpace(price)
	if trimmed == "" {
		return 0, nil
	}

	negative := false
	if strings.HasPrefix(trimmed, "-") {
		negative = true
		trimmed = trimmed[1:]
	}

	whole, fraction, _ := strings.Cut(trimmed, ".")
	if whole == "" {
		whole = "0"
	}
	if len(fraction) > 2 {
		fraction = fraction[:2]
	}
	for len(fraction) < 2 {
		fraction += "0"
	}

	var cents int64
	for _, r := range whole + fraction {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("shopify: invalid price %q", price)
		}
		cents = cents*10 + int64(r-'0')
	}
	if negative {
		cents = -cents
	}
	return cents, nil
}
