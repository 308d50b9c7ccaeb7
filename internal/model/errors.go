package model

import (
	"errors"
)

var (
	ErrNoInputs      = errors.New("no inputs configured")
	ErrNoCredentials = errors.New("wiz client credentials are empty")
)
