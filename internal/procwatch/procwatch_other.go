//go:build !unix

package procwatch

func Probe(pid int) Liveness {
	return Unknown
}
