package payment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Order is the purchase description embedded in a payment by the bot when
// the invoice was created.
type Order struct {
	UserID string
	Count  int64
}

type orderPayload struct {
	UserID json.RawMessage `json:"userId"`
	Count  json.RawMessage `json:"count"`
}

// ParseOrder decodes {"userId": <int>, "count": <int>} strictly: both fields
// present, JSON numbers, positive integers, count at most maxUnits.
func ParseOrder(raw string, maxUnits int64) (Order, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()

	var p orderPayload
	if err := dec.Decode(&p); err != nil {
		return Order{}, fmt.Errorf("order payload is not valid JSON: %w", err)
	}
	if dec.More() {
		return Order{}, fmt.Errorf("order payload has trailing data")
	}
	if len(p.UserID) == 0 {
		return Order{}, fmt.Errorf("order payload missing userId")
	}
	if len(p.Count) == 0 {
		return Order{}, fmt.Errorf("order payload missing count")
	}

	userID, err := positiveInt(p.UserID)
	if err != nil {
		return Order{}, fmt.Errorf("invalid userId: %w", err)
	}
	count, err := positiveInt(p.Count)
	if err != nil {
		return Order{}, fmt.Errorf("invalid count: %w", err)
	}
	if maxUnits > 0 && count > maxUnits {
		return Order{}, fmt.Errorf("invalid count: %d exceeds maximum %d per purchase", count, maxUnits)
	}

	return Order{UserID: strconv.FormatInt(userID, 10), Count: count}, nil
}

// EncodeOrder renders the payload embedded in invoices.
func EncodeOrder(userID, count int64) string {
	return fmt.Sprintf(`{"userId":%d,"count":%d}`, userID, count)
}

// positiveInt accepts a bare JSON integer literal only. Quoted numbers and
// null are rejected.
func positiveInt(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || raw[0] == '"' {
		return 0, fmt.Errorf("%s is not a number", raw)
	}
	v, err := json.Number(raw).Int64()
	if err != nil {
		return 0, fmt.Errorf("%s is not an integer", raw)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%d is not positive", v)
	}
	return v, nil
}
