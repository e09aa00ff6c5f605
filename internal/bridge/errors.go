package bridge

import "fmt"

// DeviceError wraps a failed source read.
type DeviceError struct {
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("bridge: device read: %v", e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}
