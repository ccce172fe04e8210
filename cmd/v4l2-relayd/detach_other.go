//go:build !unix

package main

import "errors"

func detached() bool { return false }

func detach([]string) error {
	return errors.New("background mode is not supported on this platform")
}
