//go:build !darwin

package ble

const readSupported = true

type charReader interface {
	Read(data []byte) (int, error)
}

func readCharacteristic(c gattChar, buf []byte) (int, error) {
	r, ok := c.(charReader)
	if !ok {
		return 0, errReadUnsupported
	}
	return r.Read(buf)
}
