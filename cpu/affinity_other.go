//go:build !linux

package cpu

import "errors"

func pinHostThread(core int32) (int, error) {
	return 0, errors.New("cpu: host thread pinning is only supported on linux")
}
