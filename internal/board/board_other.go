//go:build !linux

package board

type SPIDev struct{}

func OpenSPI(string, uint32, bool) (*SPIDev, error) { return nil, ErrUnsupported }
func (*SPIDev) Tx(w, r []byte) error                { return ErrUnsupported }
func (*SPIDev) Close() error                        { return nil }

type OutputPin struct{}

func OpenOutput(int) (*OutputPin, error) { return nil, ErrUnsupported }
func (*OutputPin) Set(bool) error        { return ErrUnsupported }
func (*OutputPin) Close() error          { return nil }

type EdgeInterrupt struct{}

func OpenInterrupt(int) (*EdgeInterrupt, error) { return nil, ErrUnsupported }
func (*EdgeInterrupt) OnFalling(func()) error   { return ErrUnsupported }
func (*EdgeInterrupt) Close() error             { return nil }
