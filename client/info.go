package client

// Identification sent with every login.
const (
	Name    = "precursors-go"
	Version = "0.1.0"
)
