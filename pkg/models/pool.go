package models

// PoolStats is a point-in-time snapshot of the browser pool.
type PoolStats struct {
	Live     int `json:"live"`
	Idle     int `json:"idle"`
	Leased   int `json:"leased"`
	Starting int `json:"starting"`
	Waiting  int `json:"waiting"`

	Spawned   uint64 `json:"spawned"`
	Discarded uint64 `json:"discarded"`
	Swept     uint64 `json:"swept"`
}
