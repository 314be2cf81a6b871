package models

import "time"

type Commitment struct {
	Commitment string    `json:"commitment"`
	SortCode   string    `json:"sortCode"`
	CreatedAt  time.Time `json:"createdAt"`
}
