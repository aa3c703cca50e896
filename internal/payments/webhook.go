package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SignatureHeader carries "t=<unix seconds>,v1=<hex hmac-sha256>" where the
// MAC covers "<t>.<raw body>".
const SignatureHeader = "Payment-Signature"

const EventCheckoutCompleted = "checkout.session.completed"

var (
	ErrBadSignature   = errors.New("invalid webhook signature")
	ErrInvalidPayload = errors.New("invalid payment payload")
)

const webhookSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "type", "data"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "type": {"type": "string", "minLength": 1},
    "data": {
      "type": "object",
      "required": ["object"],
      "properties": {
        "object": {
          "type": "object",
          "required": ["id", "payment_status", "metadata"],
          "properties": {
            "id": {"type": "string", "minLength": 1},
            "payment_status": {"type": "string"},
            "amount_total": {"type": "integer", "minimum": 0},
            "metadata": {
              "type": "object",
              "required": ["user_id", "credits"],
              "properties": {
                "user_id": {"type": "string", "format": "uuid"},
                "credits": {"type": "string", "pattern": "^[1-9][0-9]*$"}
              }
            }
          }
        }
      }
    }
  }
}`

// Event is a verified webhook delivery.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object Session `json:"object"`
	} `json:"data"`
}

// WebhookVerifier authenticates and validates webhook deliveries.
type WebhookVerifier struct {
	secret    []byte
	tolerance time.Duration
	schema    *jsonschema.Schema
	now       func() time.Time
}

func NewWebhookVerifier(secret string, tolerance time.Duration) (*WebhookVerifier, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	schema, err := jsonschema.CompileString("https://livingledger.dev/schemas/payment-webhook.json", webhookSchema)
	if err != nil {
		return nil, fmt.Errorf("compile webhook schema: %w", err)
	}
	return &WebhookVerifier{secret: []byte(secret), tolerance: tolerance, schema: schema, now: time.Now}, nil
}

// Verify checks the signature header against payload, then validates and
// decodes the event.
func (v *WebhookVerifier) Verify(payload []byte, header string) (*Event, error) {
	ts, sigs, err := parseSignature(header)
	if err != nil {
		return nil, err
	}
	if d := v.now().Sub(time.Unix(ts, 0)); d > v.tolerance || d < -v.tolerance {
		return nil, fmt.Errorf("%w: timestamp outside tolerance", ErrBadSignature)
	}
	want := sign(v.secret, ts, payload)
	ok := false
	for _, s := range sigs {
		if hmac.Equal([]byte(s), []byte(want)) {
			ok = true
			break
		}
	}
	if !ok {
		return nil, ErrBadSignature
	}

	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &ev, nil
}

func parseSignature(header string) (int64, []string, error) {
	var ts int64
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, val, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", ErrBadSignature)
			}
			ts = n
		case "v1":
			sigs = append(sigs, val)
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return 0, nil, fmt.Errorf("%w: malformed header", ErrBadSignature)
	}
	return ts, sigs, nil
}

func sign(secret []byte, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureFor builds a signature header value for payload at t.
func SignatureFor(secret string, t time.Time, payload []byte) string {
	ts := t.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, sign([]byte(secret), ts, payload))
}
