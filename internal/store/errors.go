package store

import "errors"

var ErrStoreClosed = errors.New("session state store is closed")
