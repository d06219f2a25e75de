package sasl

import "bytes"

// plain is the PLAIN mechanism, RFC 4616: a single client response of
// authzid NUL authcid NUL passwd. Clear-text, so the SMTP layer only
// offers it once the connection is encrypted.
type plain struct{}

func (plain) Name() string { return "PLAIN" }

// Start returns an empty challenge: PLAIN has nothing to ask, the
// client just needs a 334 to proceed.
func (plain) Start() []byte { return nil }

func (plain) Next(response []byte) ([]byte, *Credentials, error) {
	fields := bytes.Split(response, []byte{0})
	if len(fields) != 3 {
		return nil, nil, ErrMalformed
	}
	authzid, authcid, passwd := fields[0], fields[1], fields[2]
	if len(authcid) == 0 {
		return nil, nil, ErrMalformed
	}
	return nil, &Credentials{
		Authorization:  string(authzid),
		Authentication: string(authcid),
		Password:       string(passwd),
	}, nil
}
