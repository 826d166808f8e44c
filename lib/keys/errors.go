package keys

import "errors"

var (
	ErrKeyNotFound  = errors.New("key not found in store")
	ErrAmbiguousKey = errors.New("multiple keys held, specify a fingerprint")
)
