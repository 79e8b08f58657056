package exception

import "github.com/yanun0323/errors"

// UDS errors
var (
	ErrEmptyPathUDS        = errors.New("uds: empty path")
	ErrNilServerUDS        = errors.New("uds: nil server")
	ErrAlreadyListeningUDS = errors.New("uds: already listening")
	ErrNotListeningUDS     = errors.New("uds: not listening")
	ErrPathNotSocketUDS    = errors.New("uds: path exists and is not a socket")
)
