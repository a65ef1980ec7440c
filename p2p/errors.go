package p2p

import (
	"errors"
	"fmt"
)

// inbound frames that are empty or do not decode
var ErrProtocolViolation = errors.New("protocol violation")

type TransportSendError struct {
	DeviceId string
	Err      error
}

func (self *TransportSendError) Error() string {
	return fmt.Sprintf("send to %s failed: %s", self.DeviceId, self.Err)
}

func (self *TransportSendError) Unwrap() error {
	return self.Err
}
