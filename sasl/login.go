package sasl

// login is the obsolete LOGIN mechanism: username and password in two
// separate responses. Kept for clients that never learned PLAIN. An
// initial response, when the client sends one, carries the username.
type login struct {
	username []byte
	haveUser bool
}

func (*login) Name() string { return "LOGIN" }

func (*login) Start() []byte { return []byte("Username:") }

func (l *login) Next(response []byte) ([]byte, *Credentials, error) {
	if !l.haveUser {
		l.username = response
		l.haveUser = true
		return []byte("Password:"), nil, nil
	}
	return nil, &Credentials{
		Authentication: string(l.username),
		Password:       string(response),
	}, nil
}
