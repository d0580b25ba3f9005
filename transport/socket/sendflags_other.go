//go:build unix && !linux

package socket

const sendFlags = 0
