package dto

import "github.com/EternisAI/remote-control/internal/conn"

type ConnectRequest struct {
	Host string `json:"host" binding:"required"`
	Port uint16 `json:"port"`
}

type ConnectionsResponse struct {
	Connections      []conn.Info `json:"connections"`
	Count            int         `json:"count"`
	NetworkAvailable bool        `json:"network_available"`
}
