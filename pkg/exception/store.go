package exception

import "github.com/yanun0323/errors"

// Store errors
var (
	ErrStrategyNotFound = errors.New("store: strategy not found")
	ErrRecordNotFound   = errors.New("store: record not found")
)
