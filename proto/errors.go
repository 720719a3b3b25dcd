package proto

import "github.com/pkg/errors"

func errWrongRole(msgType, expectedRole string) error {
	return errors.Errorf("proto: %s received on %s side of the connection", msgType, expectedRole)
}

func errMalformed(msgType string) error {
	return errors.Errorf("proto: malformed %s payload", msgType)
}

func errVersionMismatch(min_, max_ uint16) error {
	return errors.Errorf("proto: no protocol version overlap with peer range [%d,%d]", min_, max_)
}
