//go:build darwin

package ble

// CoreBluetooth characteristics in tinygo have no Read.
const readSupported = false

func readCharacteristic(gattChar, []byte) (int, error) {
	return 0, errReadUnsupported
}
