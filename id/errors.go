package id

import "errors"

// errInvalidLength is returned by FromHex when the decoded byte string
// is not exactly Length bytes long.
var errInvalidLength = errors.New("id: decoded value has wrong length")
