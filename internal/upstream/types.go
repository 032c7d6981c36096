// types.go -- Logicware wire DTOs.
//
// Unknown fields are ignored. Money fields are decimal.NullDecimal so a
// missing value stays distinguishable from zero.
package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// envelope is the response wrapper on every Logicware endpoint.
type envelope struct {
	Succeeded bool            `json:"succeeded"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
}

// Date accepts "2006-01-02", RFC 3339 and "2006-01-02T15:04:05" (no zone).
// null and "" decode to the zero Date.
type Date struct {
	time.Time
}

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"}

func (d *Date) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		d.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date: %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		d.Time = time.Time{}
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			d.Time = t
			return nil
		}
	}
	return fmt.Errorf("date: unrecognized format %q", s)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.Format("2006-01-02"))
}

// Ptr returns nil for the zero Date.
func (d Date) Ptr() *time.Time {
	if d.IsZero() {
		return nil
	}
	t := d.Time
	return &t
}

// FlexString decodes a JSON string or number into a string. Upstream ids
// switch between the two across endpoints.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("flexstring: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

// --- Stock ---

// StockUnit is one sellable unit (lot) in the stock listing.
type StockUnit struct {
	UnitCode    string              `json:"unitCode"`
	ProjectCode string              `json:"projectCode"`
	StageID     FlexString          `json:"stageId"`
	Block       string              `json:"block"`
	Number      string              `json:"number"`
	Area        decimal.NullDecimal `json:"area"`
	Price       decimal.NullDecimal `json:"price"`
	Currency    string              `json:"currency"`
	Status      string              `json:"status"`
}

// Stage is one sales stage of a project.
type Stage struct {
	ID          FlexString `json:"id"`
	Name        string     `json:"name"`
	ProjectCode string     `json:"projectCode"`
	Active      bool       `json:"active"`
}

// --- Sales ---

// SaleDocument is one upstream sale or separation document. A document may
// cover several units; each becomes its own contract.
type SaleDocument struct {
	Correlative  string     `json:"correlative"`
	DocumentType string     `json:"documentType"`
	SaleDate     Date       `json:"saleDate"`
	Currency     string     `json:"currency"`
	Seller       string     `json:"seller"`
	Client       SaleClient `json:"client"`
	Units        []SaleUnit `json:"units"`
}

// SaleClient is the buyer block of a sale document.
type SaleClient struct {
	DocumentType   string `json:"documentType"`
	DocumentNumber string `json:"documentNumber"`
	FullName       string `json:"fullName"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
}

// SaleUnit is one unit line of a sale document.
type SaleUnit struct {
	UnitCode    string              `json:"unitCode"`
	ProjectCode string              `json:"projectCode"`
	ListPrice   decimal.NullDecimal `json:"listPrice"`
	Discount    decimal.NullDecimal `json:"discount"`
	TotalPrice  decimal.NullDecimal `json:"totalPrice"`
	Financing   *Financing          `json:"financing"`
}

// Financing is the payment plan attached to a unit line.
type Financing struct {
	DownPayment         decimal.NullDecimal `json:"downPayment"`
	InitialInstallments *int                `json:"initialInstallments"`
	FinancedAmount      decimal.NullDecimal `json:"financedAmount"`
	Term                *int                `json:"term"`
	InstallmentAmount   decimal.NullDecimal `json:"installmentAmount"`
	InterestRate        decimal.NullDecimal `json:"interestRate"`
	BalloonPayment      decimal.NullDecimal `json:"balloonPayment"`
	BPPBonus            decimal.NullDecimal `json:"bppBonus"`
	FirstDueDate        Date                `json:"firstDueDate"`
}

// --- Payment schedule ---

// Installment is one row of the authoritative payment schedule.
type Installment struct {
	DetailID          FlexString          `json:"scheduleDetailId"`
	InstallmentNumber *int                `json:"installmentNumber"`
	Description       string              `json:"description"`
	DueDate           Date                `json:"dueDate"`
	Payment           decimal.NullDecimal `json:"payment"`
	TotalPaidAmount   decimal.NullDecimal `json:"totalPaidAmount"`
	RemainingBalance  decimal.NullDecimal `json:"remainingBalance"`
	Status            string              `json:"status"`
}
