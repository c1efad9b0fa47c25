package grabdaq

import "errors"

// ErrConfiguration marks invalid settings and contract violations. These are
// raised immediately and never retried.
var ErrConfiguration = errors.New("configuration error")

// ErrNoBuffers is returned when frames are requested before a ring was allocated.
var ErrNoBuffers = errors.New("acquisition buffers are not allocated")
