/*
dto.go - Data Transfer Objects for API requests and responses

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Responses carry minor units (integers) plus a formatted decimal string.
  Requests that create or change prices accept decimal strings ("12.50");
  conversion happens in handlers through the money package.
*/
package api

import (
	"time"

	"github.com/warp/ward-supply/consumption"
	"github.com/warp/ward-supply/money"
)

// =============================================================================
// STOCK
// =============================================================================

type ItemDTO struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	UnitType     string `json:"unit_type"`
	Drawer       string `json:"drawer"`
	Quantity     int64  `json:"quantity"`
	CostPurchase int64  `json:"cost_purchase"`
	CostInternal int64  `json:"cost_internal"`
	CostPatient  int64  `json:"cost_patient"`
	PriceDisplay string `json:"price_display"`
	Description  string `json:"description"`
}

// SaveItemRequest creates or replaces an item. Prices are decimal strings.
type SaveItemRequest struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	UnitType     string `json:"unit_type"`
	Drawer       string `json:"drawer"`
	Quantity     int64  `json:"quantity"`
	CostPurchase string `json:"cost_purchase"`
	CostInternal string `json:"cost_internal"`
	CostPatient  string `json:"cost_patient"`
	Description  string `json:"description"`
}

type AdjustStockRequest struct {
	Delta int64 `json:"delta"`
}

type DebitStockRequest struct {
	Quantity int64 `json:"qty"`
}

func toItemDTO(it consumption.InventoryItem) ItemDTO {
	return ItemDTO{
		ID:           string(it.ID),
		Name:         it.Name,
		UnitType:     string(it.UnitType),
		Drawer:       it.Drawer,
		Quantity:     it.QuantityOnHand,
		CostPurchase: it.CostPurchase,
		CostInternal: it.CostInternal,
		CostPatient:  it.CostPatient,
		PriceDisplay: money.FormatMinor(it.CostPatient),
		Description:  it.Description,
	}
}

// =============================================================================
// PATIENTS
// =============================================================================

type PatientDTO struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Age      int    `json:"age"`
	Guardian string `json:"guardian"`
	Location string `json:"location"`
	Notes    string `json:"notes"`
}

type CreatePatientRequest struct {
	Name     string `json:"name"`
	Age      int    `json:"age"`
	Guardian string `json:"guardian"`
	Location string `json:"location"`
	Notes    string `json:"notes"`
}

func toPatientDTO(p consumption.Patient) PatientDTO {
	return PatientDTO{
		ID:       string(p.ID),
		Name:     p.Name,
		Age:      p.Age,
		Guardian: p.Guardian,
		Location: p.Location,
		Notes:    p.Notes,
	}
}

// =============================================================================
// CART
// =============================================================================

type CartEntryDTO struct {
	ItemID    string `json:"item_id"`
	ItemName  string `json:"item_name"`
	UnitType  string `json:"unit_type"`
	Quantity  int64  `json:"qty"`
	UnitPrice int64  `json:"unit_price"`
	Total     int64  `json:"total"`
}

type CartDTO struct {
	PatientID       string         `json:"patient_id"`
	Items           []CartEntryDTO `json:"items"`
	TotalMinorUnits int64          `json:"total_minor_units"`
	TotalDisplay    string         `json:"total_display"`
}

// CartChangeRequest is the body of cart add and remove. Qty defaults to 1.
type CartChangeRequest struct {
	ItemID   string `json:"item_id"`
	Quantity *int64 `json:"qty"`
}

func (r CartChangeRequest) qty() int64 {
	if r.Quantity == nil {
		return 1
	}
	return *r.Quantity
}

func toCartDTO(c consumption.Cart) CartDTO {
	items := make([]CartEntryDTO, len(c.Items))
	for i, e := range c.Items {
		items[i] = CartEntryDTO{
			ItemID:    string(e.ItemID),
			ItemName:  e.ItemName,
			UnitType:  string(e.UnitType),
			Quantity:  e.Quantity,
			UnitPrice: e.UnitPrice,
			Total:     e.Total(),
		}
	}
	return CartDTO{
		PatientID:       string(c.PatientID),
		Items:           items,
		TotalMinorUnits: c.Total(),
		TotalDisplay:    money.FormatMinor(c.Total()),
	}
}

// =============================================================================
// RECORDS / SETTLEMENT
// =============================================================================

type RecordDTO struct {
	ID           string    `json:"id"`
	SettlementID string    `json:"settlement_id"`
	Timestamp    time.Time `json:"timestamp"`
	PatientID    string    `json:"patient_id"`
	ItemID       string    `json:"item_id"`
	ItemName     string    `json:"item_name"`
	UnitType     string    `json:"unit_type"`
	Quantity     int64     `json:"quantity"`
	UnitPrice    int64     `json:"unit_price"`
	Total        int64     `json:"total"`
}

type SettlementDTO struct {
	SettlementID    string      `json:"settlement_id"`
	PatientID       string      `json:"patient_id"`
	SettledAt       time.Time   `json:"settled_at"`
	SettledCount    int         `json:"settled_count"`
	TotalMinorUnits int64       `json:"total_minor_units"`
	TotalDisplay    string      `json:"total_display"`
	Records         []RecordDTO `json:"records"`
}

func toRecordDTO(r consumption.Record) RecordDTO {
	return RecordDTO{
		ID:           string(r.ID),
		SettlementID: string(r.SettlementID),
		Timestamp:    r.Timestamp,
		PatientID:    string(r.PatientID),
		ItemID:       string(r.ItemID),
		ItemName:     r.ItemName,
		UnitType:     string(r.UnitType),
		Quantity:     r.Quantity,
		UnitPrice:    r.UnitPrice,
		Total:        r.Total,
	}
}

func toRecordDTOs(rs []consumption.Record) []RecordDTO {
	dtos := make([]RecordDTO, len(rs))
	for i, r := range rs {
		dtos[i] = toRecordDTO(r)
	}
	return dtos
}

func toSettlementDTO(s consumption.Settlement) SettlementDTO {
	return SettlementDTO{
		SettlementID:    string(s.ID),
		PatientID:       string(s.PatientID),
		SettledAt:       s.SettledAt,
		SettledCount:    s.SettledCount,
		TotalMinorUnits: s.TotalMinorUnits,
		TotalDisplay:    money.FormatMinor(s.TotalMinorUnits),
		Records:         toRecordDTOs(s.Records),
	}
}

// =============================================================================
// ERRORS
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
