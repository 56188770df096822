//go:build !linux || !iouring

package uring

import "github.com/ehrlich-b/go-blkfifo/internal/interfaces"

// Device is unavailable in this build
type Device struct{}

// Open validates config and fails with ErrUnsupported
func Open(config Config) (*Device, error) {
	if _, err := config.withDefaults(); err != nil {
		return nil, err
	}
	return nil, ErrUnsupported
}

func (d *Device) Query() interfaces.DeviceInfo                { return interfaces.DeviceInfo{} }
func (d *Device) SetCallbacks(done interfaces.CompletionFunc) {}
func (d *Device) Read(flags uint32, vmo interfaces.VMO, length uint32, vmoOffset, devOffset uint64, cookie any) {
}
func (d *Device) Write(flags uint32, vmo interfaces.VMO, length uint32, vmoOffset, devOffset uint64, cookie any) {
}
func (d *Device) Flush(flags uint32, cookie any) {}
func (d *Device) Close() error                   { return ErrUnsupported }

// Supported reports whether io_uring support was built in
func Supported() bool { return false }
