// File: api/tls.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// TLSResult is the outcome of a TLS shim step.
type TLSResult int

const (
	TLSOK TLSResult = iota
	TLSWantRead
	TLSWantWrite
	TLSError
)

func (r TLSResult) String() string {
	switch r {
	case TLSOK:
		return "ok"
	case TLSWantRead:
		return "want-read"
	case TLSWantWrite:
		return "want-write"
	}
	return "error"
}

// TLSShim is the per-connection TLS state machine. It never touches a
// backend: ciphertext from the wire is handed in with Feed and ciphertext
// for the wire is collected with Output. Plaintext moves through Read and
// Write.
type TLSShim interface {
	// Handshake advances the handshake.
	Handshake() (TLSResult, error)
	// Read copies decrypted bytes into p. With nothing buffered it returns
	// ErrWantRead, or io.EOF once the peer sent close_notify.
	Read(p []byte) (int, error)
	// Write encrypts p. Records become available through Output.
	Write(p []byte) (int, error)
	// CloseNotify queues the close_notify alert.
	CloseNotify() error

	// Feed hands ciphertext received from the wire to the shim.
	Feed(ciphertext []byte)
	// Output drains ciphertext waiting to be written to the wire.
	Output() []byte
	// Buffered reports decrypted bytes ready for Read.
	Buffered() int
	// Close releases shim resources.
	Close() error
}
