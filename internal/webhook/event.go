// event.go -- Inbound event envelope and typed event variants.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/MGallo-Code/ledgersync/internal/upstream"
)

// Event types the pipeline acts on.
const (
	EventSaleCompleted       = "sales.process.completed"
	EventSeparationCompleted = "separation.process.completed"
	EventPaymentCreated      = "payment.created"
	EventScheduleCreated     = "schedule.created"
	EventUnitUpdated         = "unit.updated"
	EventUnitCreated         = "unit.created"
	EventProformaCreated     = "proforma.created"
)

// ErrMalformedEvent marks an envelope whose data block cannot be decoded into
// its event type. Retrying cannot fix it.
var ErrMalformedEvent = errors.New("malformed event")

// Envelope is the outer shape of every delivery.
type Envelope struct {
	MessageID      string          `json:"messageId"`
	CorrelationID  string          `json:"correlationId"`
	EventType      string          `json:"eventType"`
	SourceID       string          `json:"sourceId"`
	EventTimestamp string          `json:"eventTimestamp"`
	Data           json.RawMessage `json:"data"`
}

// Event is one decoded delivery. The concrete type selects the handler.
type Event interface {
	Head() *Envelope
}

// SaleCompleted is a finished sale or separation. Sale is nil when the data
// block carries only the correlative; the router then looks the document up.
type SaleCompleted struct {
	Envelope
	Correlative string
	Sale        *upstream.SaleDocument
}

// PaymentCreated is a payment registered upstream against a correlative.
type PaymentCreated struct {
	Envelope
	Payment PaymentData
}

// PaymentData is the data block of payment.created.
type PaymentData struct {
	Correlative       string              `json:"correlative"`
	PaymentNumber     string              `json:"paymentNumber"`
	InstallmentNumber *int                `json:"installmentNumber"`
	Amount            decimal.NullDecimal `json:"amount"`
	PaymentDate       upstream.Date       `json:"paymentDate"`
	Method            string              `json:"paymentMethod"`
}

// ScheduleCreated signals that a correlative's payment schedule changed upstream.
type ScheduleCreated struct {
	Envelope
	Correlative string
}

// UnitChanged covers unit.created and unit.updated.
type UnitChanged struct {
	Envelope
	UnitCode string
	Status   string
}

// ProformaCreated is acknowledged without side effects.
type ProformaCreated struct {
	Envelope
	Correlative string
}

// Unrecognized is any event type the pipeline does not consume.
type Unrecognized struct {
	Envelope
}

func (e *Envelope) Head() *Envelope { return e }

// knownEventType reports whether t is consumed by the pipeline. Used to keep
// metric label cardinality bounded.
func knownEventType(t string) bool {
	switch t {
	case EventSaleCompleted, EventSeparationCompleted, EventPaymentCreated, EventScheduleCreated,
		EventUnitUpdated, EventUnitCreated, EventProformaCreated:
		return true
	}
	return false
}

func metricLabel(eventType string) string {
	if knownEventType(eventType) {
		return eventType
	}
	return "other"
}

// ParseEnvelope decodes a raw delivery body.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return &env, nil
}

// Decode turns an envelope into its typed variant. Missing required data
// fields return ErrMalformedEvent.
func Decode(env *Envelope) (Event, error) {
	switch env.EventType {
	case EventSaleCompleted, EventSeparationCompleted:
		return decodeSale(env)

	case EventPaymentCreated:
		var p PaymentData
		if err := unmarshalData(env, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Correlative) == "" {
			return nil, malformed(env, "data.correlative is required")
		}
		return &PaymentCreated{Envelope: *env, Payment: p}, nil

	case EventScheduleCreated, EventProformaCreated:
		var d struct {
			Correlative string `json:"correlative"`
		}
		if err := unmarshalData(env, &d); err != nil {
			return nil, err
		}
		if strings.TrimSpace(d.Correlative) == "" {
			return nil, malformed(env, "data.correlative is required")
		}
		if env.EventType == EventProformaCreated {
			return &ProformaCreated{Envelope: *env, Correlative: d.Correlative}, nil
		}
		return &ScheduleCreated{Envelope: *env, Correlative: d.Correlative}, nil

	case EventUnitUpdated, EventUnitCreated:
		var d struct {
			UnitCode string `json:"unitCode"`
			Status   string `json:"status"`
		}
		if err := unmarshalData(env, &d); err != nil {
			return nil, err
		}
		if d.UnitCode == "" || d.Status == "" {
			return nil, malformed(env, "data.unitCode and data.status are required")
		}
		return &UnitChanged{Envelope: *env, UnitCode: d.UnitCode, Status: d.Status}, nil
	}
	return &Unrecognized{Envelope: *env}, nil
}

// decodeSale accepts either a full sale document or a bare correlative.
func decodeSale(env *Envelope) (Event, error) {
	var doc upstream.SaleDocument
	if err := unmarshalData(env, &doc); err != nil {
		return nil, err
	}
	if strings.TrimSpace(doc.Correlative) == "" {
		return nil, malformed(env, "data.correlative is required")
	}
	ev := &SaleCompleted{Envelope: *env, Correlative: doc.Correlative}
	if len(doc.Units) > 0 {
		ev.Sale = &doc
	}
	return ev, nil
}

func unmarshalData(env *Envelope, v any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return malformed(env, "data is required")
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return malformed(env, err.Error())
	}
	return nil
}

func malformed(env *Envelope, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedEvent, env.EventType, reason)
}
