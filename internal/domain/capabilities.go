package domain

// ProviderCapabilities is declared once per provider type at registration
// and never changes afterwards.
type ProviderCapabilities struct {
	SupportsRealTime   bool `json:"supports_real_time"`
	SupportsHistorical bool `json:"supports_historical"`
	SupportsBulk       bool `json:"supports_bulk"`
	MaxBulkSymbols     int  `json:"max_bulk_symbols"` // 0 when bulk unsupported
	RequestsPerMinute  int  `json:"requests_per_minute"`
}
