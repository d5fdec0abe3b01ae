package scraper

// Credentials identify the portal account. The password never appears in
// String output or logs.
type Credentials struct {
	UserID   string
	Password string
}

func (c Credentials) String() string {
	return "Credentials{UserID: " + c.UserID + ", Password: [REDACTED]}"
}

// secret holds the password in a buffer that can be zeroed once used.
type secret struct {
	b []byte
}

func newSecret(s string) *secret {
	return &secret{b: []byte(s)}
}

func (s *secret) String() string {
	return string(s.b)
}

func (s *secret) Wiped() bool {
	return len(s.b) == 0
}

func (s *secret) Wipe() {
	for i := range s.b {
		s.b[i] = 0
	}
	s.b = nil
}
