//go:build !linux

package platform

import "errors"

func Mount(_, _ string, _ bool) (string, error) { return "", errors.ErrUnsupported }

func Unmount(_ string) error { return errors.ErrUnsupported }

func UsedBytes(_ string) (uint64, error) { return 0, errors.ErrUnsupported }
