//go:build !linux

package powerctl

import "fmt"

func openLine(pin int) (line, error) {
	return nil, fmt.Errorf("powerctl: gpio unsupported on this platform")
}

var openLineFn = openLine
