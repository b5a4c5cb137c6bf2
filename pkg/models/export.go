package models

import "encoding/json"

// ExportRecord is one stored platform export. ExportData is kept as raw JSON
// so the payload round-trips byte-for-byte through the store, the import RPC
// and the persistence file — downstream validators are sensitive to number
// re-encoding and key reordering.
type ExportRecord struct {
	ExportID         string          `json:"exportId"`
	PlatformName     string          `json:"platformName"`
	SourceInstanceID int             `json:"sourceInstanceId"`
	ExportData       json.RawMessage `json:"exportData"`
	Timestamp        int64           `json:"timestamp"`
	Size             int64           `json:"size"`
}

// PayloadMetrics extracts the display-only metrics fields from the opaque
// export payload. Unknown or missing fields are simply absent from the
// result; the payload itself is never modified.
func (r *ExportRecord) PayloadMetrics() map[string]any {
	if len(r.ExportData) == 0 {
		return nil
	}
	var head struct {
		Compressed       *bool    `json:"compressed"`
		EntityCount      *float64 `json:"entityCount"`
		TileCount        *float64 `json:"tileCount"`
		UniqueItemTypes  *float64 `json:"uniqueItemTypes"`
		UniqueFluidTypes *float64 `json:"uniqueFluidTypes"`
		TotalItemCount   *float64 `json:"totalItemCount"`
		TotalFluidAmount *float64 `json:"totalFluidAmount"`
	}
	if err := json.Unmarshal(r.ExportData, &head); err != nil {
		return nil
	}
	m := map[string]any{"sizeBytes": r.Size}
	if head.Compressed != nil {
		m["compressed"] = *head.Compressed
	}
	if head.EntityCount != nil {
		m["entityCount"] = *head.EntityCount
	}
	if head.TileCount != nil {
		m["tileCount"] = *head.TileCount
	}
	if head.UniqueItemTypes != nil {
		m["uniqueItemTypes"] = *head.UniqueItemTypes
	}
	if head.UniqueFluidTypes != nil {
		m["uniqueFluidTypes"] = *head.UniqueFluidTypes
	}
	if head.TotalItemCount != nil {
		m["totalItemCount"] = *head.TotalItemCount
	}
	if head.TotalFluidAmount != nil {
		m["totalFluidAmount"] = *head.TotalFluidAmount
	}
	return m
}
