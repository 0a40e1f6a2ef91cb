//go:build !unix

package ringboot

func raiseFileLimit() error { return nil }
