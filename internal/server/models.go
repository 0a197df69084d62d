package server

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest represents the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest represents the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// AssistStreamRequest opens one assist stream. Customer may be an id or a
// display name; CustomerID takes precedence when both are set.
type AssistStreamRequest struct {
	Customer   string `json:"customer"`
	CustomerID string `json:"customerId"`
	Query      string `json:"query"`
	Task       string `json:"task"`
}

// CreateCustomerRequest registers a CRM account.
type CreateCustomerRequest struct {
	Name        string  `json:"name"`
	Plan        string  `json:"plan"`
	Seats       int     `json:"seats"`
	AnnualValue float64 `json:"annualValue"`
	RenewalDate string  `json:"renewalDate"` // 2006-01-02, optional
}

// IDResponse is a generic id response wrapper.
type IDResponse struct {
	ID string `json:"id"`
}
