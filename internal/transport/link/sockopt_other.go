//go:build !unix

package link

import "syscall"

func reuseAddr(string, string, syscall.RawConn) error { return nil }
