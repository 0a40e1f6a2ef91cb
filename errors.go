package ringboot

import (
	"errors"
)

var (
	ErrInvalidArgument = errors.New("bootstrap: invalid argument")
	ErrInvalidCommID   = errors.New("bootstrap: invalid COMM_ID, please use format: <ipv4>:<port> or [<ipv6>]:<port> or <hostname>:<port>")
	ErrNoInterface     = errors.New("bootstrap: no usable listening interface found")

	ErrRankCountMismatch  = errors.New("bootstrap: mismatch in rank count")
	ErrAlreadyCheckedIn   = errors.New("bootstrap: rank has already checked in")
	ErrTruncated          = errors.New("bootstrap: message truncated")
	ErrProtocol           = errors.New("bootstrap: protocol violation")
	ErrUnexpectedNotEmpty = errors.New("bootstrap: unexpected connections are not empty")
)
