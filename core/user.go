package core

type (
	// Identity is who a connection belongs to, as established by the auth
	// provider before any join.
	Identity struct {
		Subject string `json:"subject"`
		Name    string `json:"name,omitempty"`
		Email   string `json:"email,omitempty"`
	}
)

func (i Identity) IsZero() bool { return i.Subject == "" }
