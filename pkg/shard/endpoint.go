package shard

import (
	"fmt"
)

// Endpoint is one destination host that can own uploads.
type Endpoint struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Status Status `json:"status"`
}

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

func (e Endpoint) String() string {
	return fmt.Sprintf("%s@%s[%s]", e.ID, e.URL, e.Status)
}

// vnode is a virtual position on the ring pointing to an endpoint.
type vnode struct {
	token      uint64
	endpointID string
}

// EndpointID derives a stable short id from an endpoint URL.
func EndpointID(url string) string {
	return fmt.Sprintf("%016x", hashKey(url))
}
