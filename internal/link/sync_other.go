//go:build !unix

package link

func syncDir(string) error { return nil }
