package types

// PredictRequest is the body of POST /v1/predict.
type PredictRequest struct {
	// Optional caller-chosen id echoed in the response. Generated when empty.
	// example: 7f8e2d0c-4b1a-4c55-9f4e-2b8f8d1e0a11
	ID string `json:"id,omitempty" example:"7f8e2d0c-4b1a-4c55-9f4e-2b8f8d1e0a11"`
	// Sparse features: feature name to a variable-length list of ids.
	// example: {"product":[101,202]}
	Sparse map[string][]int64 `json:"sparse,omitempty"`
	// Dense features: feature name to a fixed-width vector.
	// example: {"age":[0.5]}
	Dense map[string][]float32 `json:"dense,omitempty"`
	// Output names to return. Empty returns every model output.
	// example: ["ctr"]
	Outputs []string `json:"outputs,omitempty" example:"[\"ctr\"]"`
}

// PredictResponse carries one request's slice of the batch output.
type PredictResponse struct {
	// Request id.
	ID string `json:"id"`
	// Output name to this request's row of the output tensor.
	Outputs map[string][]float32 `json:"outputs"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
	// Machine-readable error kind (e.g. overloaded, pool_exhausted).
	// example: overloaded
	Kind string `json:"kind,omitempty" example:"overloaded"`
	// Whether the same request may be retried later.
	Retryable bool `json:"retryable,omitempty"`
}
