//go:build gocv

package cvflow

// Available reports whether the OpenCV tracker is compiled in.
func Available() bool { return true }
