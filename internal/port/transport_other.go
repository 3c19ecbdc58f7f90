//go:build !linux

package port

// On non-Linux hosts the termios ioctls transport_linux.go relies on don't
// exist, so every platform here goes through go.bug.st/serial.
func openPlatformTransport(name string, baud int) (transport, error) {
	return openLibTransport(name, baud)
}
