package httpapi

// ErrorResponse is returned by every failing request.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable error code.
	Code string `json:"code,omitempty"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Root   string `json:"root"`
}

// PrimResponse describes one composed prim.
type PrimResponse struct {
	Path       string   `json:"path"`
	TypeName   string   `json:"typeName,omitempty"`
	Active     bool     `json:"active"`
	Children   []string `json:"children"`
	Properties []string `json:"properties"`
}

// ValueResponse carries one resolved field.
type ValueResponse struct {
	Path  string   `json:"path"`
	Field string   `json:"field,omitempty"`
	Time  *float64 `json:"time,omitempty"`
	Found bool     `json:"found"`
	Value any      `json:"value,omitempty"`
}

// SamplesResponse lists the composed time sample times of an attribute.
type SamplesResponse struct {
	Path  string    `json:"path"`
	Times []float64 `json:"times"`
}

// IndexResponse summarises a composed prim index.
type IndexResponse struct {
	Path              string            `json:"path"`
	Nodes             []string          `json:"nodes"`
	VariantSelections map[string]string `json:"variantSelections,omitempty"`
	HasPayload        bool              `json:"hasPayload"`
	PayloadIncluded   bool              `json:"payloadIncluded"`
	Errors            []string          `json:"errors,omitempty"`
}

// LayerEntry is one layer of the root layer stack, strongest first.
type LayerEntry struct {
	Identifier string  `json:"identifier"`
	Offset     float64 `json:"offset"`
	Scale      float64 `json:"scale"`
	Dirty      bool    `json:"dirty"`
}

// LayerStackResponse is returned by GET /layerstack.
type LayerStackResponse struct {
	Identifier string       `json:"identifier"`
	Layers     []LayerEntry `json:"layers"`
}
