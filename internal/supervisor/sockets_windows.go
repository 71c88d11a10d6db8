//go:build windows

package supervisor

const socketsSupported = false
