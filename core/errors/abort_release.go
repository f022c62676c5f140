//go:build !debug

package errors

const abortOnFatal = false
