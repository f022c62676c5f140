//go:build debug

package errors

const abortOnFatal = true
