// Package cvflow runs the Lucas-Kanade tracker through OpenCV. The tracker
// is only compiled with -tags gocv and an OpenCV 4 installation; Available
// reports whether this binary carries it.
package cvflow
