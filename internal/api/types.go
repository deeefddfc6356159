package api

import (
	"time"

	"bmsnet/internal/model"
)

// PeersResponse is returned by the master's GET /peers.
type PeersResponse struct {
	Master      string             `json:"master"`
	GeneratedAt time.Time          `json:"generated_at"`
	Peers       []model.PeerRecord `json:"peers"`
}
