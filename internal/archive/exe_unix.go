//go:build !windows

package archive

func exeName(name string) string { return name }
