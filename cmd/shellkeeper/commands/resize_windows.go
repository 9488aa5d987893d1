//go:build windows

package commands

func watchResize(fn func()) (stop func()) {
	return func() {}
}
