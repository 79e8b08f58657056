package exception

import "github.com/yanun0323/errors"

// Mailbox errors
var (
	ErrMailboxClosed = errors.New("mailbox: closed")
)
