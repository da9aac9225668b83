package dto

type HealthResponse struct {
	Status           string `json:"status"`
	NetworkAvailable bool   `json:"network_available"`
	Connections      int    `json:"connections"`
	Authenticated    int    `json:"authenticated"`
}

type NetworkResponse struct {
	Available bool `json:"available"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Tag   string `json:"tag,omitempty"`
}
