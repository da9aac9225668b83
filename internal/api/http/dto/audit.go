package dto

import "github.com/EternisAI/remote-control/internal/audit"

type AuditResponse struct {
	Entries []audit.Entry `json:"entries"`
	Count   int           `json:"count"`
}
