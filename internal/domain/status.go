package domain

import "time"

// Status is a point-in-time snapshot of one service's lifecycle, as exposed
// by the dashboard. It carries no references back into the supervisor.
type Status struct {
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	State     string    `json:"state"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
}
